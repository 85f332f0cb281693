package pipeline

import (
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/catalog"
)

// coercionWarnCacheSize bounds the set of rules whose coercion failures have
// already been logged, so that a misbehaving upstream warns once per rule
// rather than once per frame.
const coercionWarnCacheSize = 1024

type mapperRule struct {
	equipTag  string
	messageID string
}

// Mapper validates inbound frames, looks up their mapping rule, and coerces
// the payload value to the rule's declared type. All failure paths drop the
// event and increment a counter; none are fatal and none retry.
type Mapper struct {
	mapping  *catalog.Mapping
	counters *Counters
	warned   *lru.Cache[mapperRule, struct{}]
}

// NewMapper builds a Mapper over the loaded mapping catalog.
func NewMapper(mapping *catalog.Mapping, counters *Counters) *Mapper {
	// lru.New errors only on a non-positive size.
	var warned, _ = lru.New[mapperRule, struct{}](coercionWarnCacheSize)
	return &Mapper{
		mapping:  mapping,
		counters: counters,
		warned:   warned,
	}
}

// Map rewrites an IngressEvent into a MappedEvent, or returns false when the
// event is dropped.
func (m *Mapper) Map(event IngressEvent) (MappedEvent, bool) {
	var payload, ok = event.Raw["payload"].(map[string]interface{})
	if !ok {
		return m.dropInvalid(event, "payload is missing")
	}
	equipTag, ok := payload[FieldEquipTag].(string)
	if !ok || equipTag == "" {
		return m.dropInvalid(event, "Equip.Tag is missing")
	}
	messageID, ok := payload[FieldMessageID].(string)
	if !ok || messageID == "" {
		return m.dropInvalid(event, "Message.ID is missing")
	}
	value, ok := payload[FieldValue]
	if !ok || value == nil {
		return m.dropInvalid(event, "VALUE is missing")
	}

	rule, ok := m.mapping.Lookup(equipTag, messageID)
	if !ok {
		m.counters.Unmapped.Add(1)
		log.WithFields(log.Fields{
			"trace":     event.TraceID,
			"equipTag":  equipTag,
			"messageID": messageID,
		}).Debug("frame has no mapping rule")
		return MappedEvent{}, false
	}

	coerced, err := Coerce(value, rule.Type)
	if err != nil {
		m.counters.CoercionFailed.Add(1)
		var key = mapperRule{equipTag, messageID}
		if seen, _ := m.warned.ContainsOrAdd(key, struct{}{}); !seen {
			log.WithFields(log.Fields{
				"equipTag":  equipTag,
				"messageID": messageID,
				"object":    rule.Object,
				"type":      rule.Type,
				"err":       err,
			}).Warn("value coercion failed (further failures of this rule log at debug)")
		} else {
			log.WithFields(log.Fields{
				"trace": event.TraceID,
				"err":   err,
			}).Debug("value coercion failed")
		}
		return MappedEvent{}, false
	}

	m.counters.Mapped.Add(1)
	return MappedEvent{
		TraceID: event.TraceID,
		Object:  rule.Object,
		Value:   coerced,
		Type:    rule.Type,
	}, true
}

func (m *Mapper) dropInvalid(event IngressEvent, reason string) (MappedEvent, bool) {
	m.counters.InvalidPayload.Add(1)
	log.WithFields(log.Fields{
		"trace":  event.TraceID,
		"source": event.Meta.Source,
		"reason": reason,
	}).Debug("dropping invalid frame")
	return MappedEvent{}, false
}
