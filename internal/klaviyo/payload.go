// Package klaviyo turns stored events into Klaviyo JSON:API event documents
// and pushes them to the events endpoint.
package klaviyo

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/richardliu001/event-service/internal/model"
)

// Fallbacks for attributes the event does not carry.
const (
	DefaultService  = "default-service"
	DefaultCurrency = "USD"
	UnknownProfile  = "unknown"
)

// DefaultValue is the monetary value sent when the event has none.
var DefaultValue = decimal.RequireFromString("9.99")

// Payload is the request body of POST /api/events.
type Payload struct {
	Data EventData `json:"data"`
}

type EventData struct {
	Type       string          `json:"type"`
	Attributes EventAttributes `json:"attributes"`
}

type EventAttributes struct {
	Properties    map[string]interface{} `json:"properties"`
	Metric        MetricRef              `json:"metric"`
	Profile       ProfileRef             `json:"profile"`
	Time          string                 `json:"time"`
	Value         json.Number            `json:"value"`
	ValueCurrency string                 `json:"value_currency"`
	UniqueID      string                 `json:"unique_id"`
}

type MetricRef struct {
	Data MetricData `json:"data"`
}

type MetricData struct {
	Type       string           `json:"type"`
	Attributes MetricAttributes `json:"attributes"`
}

type MetricAttributes struct {
	Name    string `json:"name"`
	Service string `json:"service"`
}

type ProfileRef struct {
	Data ProfileData `json:"data"`
}

type ProfileData struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Attributes map[string]interface{} `json:"attributes"`
}

// BuildPayload maps an event onto the Klaviyo document. The unique id falls
// back to name plus creation time so replays of the same event de-duplicate.
func BuildPayload(e model.Event) Payload {
	props := map[string]interface{}(e.EventAttributes)
	if props == nil {
		props = map[string]interface{}{}
	}
	profile := map[string]interface{}(e.ProfileAttributes)
	if profile == nil {
		profile = map[string]interface{}{}
	}

	return Payload{Data: EventData{
		Type: "event",
		Attributes: EventAttributes{
			Properties: props,
			Metric: MetricRef{Data: MetricData{
				Type: "metric",
				Attributes: MetricAttributes{
					Name:    e.EventName,
					Service: stringOr(props["service"], DefaultService),
				},
			}},
			Profile: ProfileRef{Data: ProfileData{
				Type:       "profile",
				ID:         stringOr(profile[model.ProfileExternalIDKey], UnknownProfile),
				Attributes: profile,
			}},
			Time:          stringOr(props["time"], e.CreatedAt.UTC().Format(time.RFC3339)),
			Value:         json.Number(valueOf(props["value"]).String()),
			ValueCurrency: stringOr(props["value_currency"], DefaultCurrency),
			UniqueID:      stringOr(props["unique_id"], fmt.Sprintf("%s-%d", e.EventName, e.CreatedAt.UnixMilli())),
		},
	}}
}

// Encode builds and marshals the payload of e.
func Encode(e model.Event) ([]byte, error) {
	return json.Marshal(BuildPayload(e))
}

func stringOr(v interface{}, def string) string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func valueOf(v interface{}) decimal.Decimal {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x)
	case int:
		return decimal.NewFromInt(int64(x))
	case int64:
		return decimal.NewFromInt(x)
	case json.Number:
		if d, err := decimal.NewFromString(x.String()); err == nil {
			return d
		}
	case string:
		if d, err := decimal.NewFromString(strings.TrimSpace(x)); err == nil {
			return d
		}
	}
	return DefaultValue
}
