package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Map attachment kinds as carried on the wire in the "type" field.
type MapKind string

const (
	MapKindAddress       MapKind = "address"
	MapKindMultiLocation MapKind = "multi_location"
	MapKindNearby        MapKind = "nearby"
	MapKindDirections    MapKind = "directions"
	MapKindDistance      MapKind = "distance"
)

var ErrUnknownAttachment = errors.New("unknown attachment kind")

// Place is a single named location inside a nearby or multi-location
// attachment.
type Place struct {
	Name         string `json:"name,omitempty"`
	City         string `json:"city,omitempty"`
	Address      string `json:"address"`
	MapURL       string `json:"map_url,omitempty"`
	StaticMapURL string `json:"static_map_url,omitempty"`
	Rating       string `json:"rating,omitempty"`
	TotalReviews int    `json:"total_reviews,omitempty"`
	Category     string `json:"type,omitempty"`
	PriceLevel   string `json:"price_level,omitempty"`
}

// placeWire tolerates the loose upstream encoding where rating and
// price_level arrive either as numbers or as the literal "N/A".
type placeWire struct {
	Name         string          `json:"name"`
	City         string          `json:"city"`
	Address      string          `json:"address"`
	MapURL       string          `json:"map_url"`
	StaticMapURL string          `json:"static_map_url"`
	Rating       json.RawMessage `json:"rating"`
	TotalReviews int             `json:"total_reviews"`
	Category     string          `json:"type"`
	PriceLevel   string          `json:"price_level"`
}

func (p *Place) UnmarshalJSON(data []byte) error {
	var w placeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Place{
		Name:         w.Name,
		City:         w.City,
		Address:      w.Address,
		MapURL:       w.MapURL,
		StaticMapURL: w.StaticMapURL,
		Rating:       normalizeRating(w.Rating),
		TotalReviews: w.TotalReviews,
		Category:     w.Category,
		PriceLevel:   w.PriceLevel,
	}
	return nil
}

func normalizeRating(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return strconv.FormatFloat(num, 'f', -1, 64)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// Coordinate is a marker on a map preview.
type Coordinate struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label,omitempty"`
	Color string  `json:"color,omitempty"`
}

// Route summarizes a distance query between two resolved addresses.
type Route struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Distance    string `json:"distance"`
	Duration    string `json:"duration"`
}

// MapAttachment is the closed tagged variant behind the wire's
// "map_data" payload. Exactly the fields belonging to Kind are set;
// Validate enforces that after boundary decoding.
type MapAttachment struct {
	Kind         MapKind
	Address      string
	City         string
	Places       []Place
	Steps        []string
	Route        *Route
	Summary      string
	MapURL       string
	StaticMapURL string
	Coordinates  []Coordinate
}

// mapWire is the envelope shape: "data" is polymorphic over Kind.
type mapWire struct {
	Type         MapKind         `json:"type"`
	Data         json.RawMessage `json:"data"`
	City         string          `json:"city,omitempty"`
	Summary      string          `json:"llm_response,omitempty"`
	MapURL       string          `json:"map_url,omitempty"`
	StaticMapURL string          `json:"static_map_url,omitempty"`
	Coordinates  []Coordinate    `json:"coordinates,omitempty"`
}

func (a *MapAttachment) UnmarshalJSON(data []byte) error {
	var w mapWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := MapAttachment{
		Kind:         w.Type,
		City:         w.City,
		Summary:      w.Summary,
		MapURL:       w.MapURL,
		StaticMapURL: w.StaticMapURL,
		Coordinates:  w.Coordinates,
	}

	switch w.Type {
	case MapKindAddress:
		if err := json.Unmarshal(w.Data, &out.Address); err != nil {
			return fmt.Errorf("address attachment: %w", err)
		}
	case MapKindMultiLocation, MapKindNearby:
		if err := json.Unmarshal(w.Data, &out.Places); err != nil {
			return fmt.Errorf("%s attachment: %w", w.Type, err)
		}
	case MapKindDirections:
		if err := json.Unmarshal(w.Data, &out.Steps); err != nil {
			return fmt.Errorf("directions attachment: %w", err)
		}
	case MapKindDistance:
		out.Route = &Route{}
		if err := json.Unmarshal(w.Data, out.Route); err != nil {
			return fmt.Errorf("distance attachment: %w", err)
		}
	default:
		return fmt.Errorf("%w: map %q", ErrUnknownAttachment, w.Type)
	}

	*a = out
	return a.Validate()
}

func (a MapAttachment) MarshalJSON() ([]byte, error) {
	w := mapWire{
		Type:         a.Kind,
		City:         a.City,
		Summary:      a.Summary,
		MapURL:       a.MapURL,
		StaticMapURL: a.StaticMapURL,
		Coordinates:  a.Coordinates,
	}

	var payload any
	switch a.Kind {
	case MapKindAddress:
		payload = a.Address
	case MapKindMultiLocation, MapKindNearby:
		payload = a.Places
	case MapKindDirections:
		payload = a.Steps
	case MapKindDistance:
		payload = a.Route
	default:
		return nil, fmt.Errorf("%w: map %q", ErrUnknownAttachment, a.Kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	w.Data = raw
	return json.Marshal(w)
}

// Validate checks that the populated fields match the declared kind.
func (a MapAttachment) Validate() error {
	switch a.Kind {
	case MapKindAddress:
		if a.Address == "" {
			return errors.New("address attachment without an address")
		}
	case MapKindMultiLocation, MapKindNearby:
		if len(a.Places) == 0 {
			return fmt.Errorf("%s attachment without places", a.Kind)
		}
	case MapKindDirections:
		if len(a.Steps) == 0 {
			return errors.New("directions attachment without steps")
		}
	case MapKindDistance:
		if a.Route == nil || a.Route.Origin == "" || a.Route.Destination == "" {
			return errors.New("distance attachment without a route")
		}
	default:
		return fmt.Errorf("%w: map %q", ErrUnknownAttachment, a.Kind)
	}
	return nil
}

// Media attachment kinds.
type MediaKind string

const (
	MediaKindVideo MediaKind = "video"
	MediaKindImage MediaKind = "image"
)

// MediaAttachment references a video or image embedded in an
// assistant message.
type MediaAttachment struct {
	Kind      MediaKind `json:"type"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Thumbnail string    `json:"thumbnail_url,omitempty"`
}

func (m *MediaAttachment) UnmarshalJSON(data []byte) error {
	type wire MediaAttachment
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = MediaAttachment(w)
	return m.Validate()
}

// Validate checks the variant tag and the reference.
func (m MediaAttachment) Validate() error {
	switch m.Kind {
	case MediaKindVideo, MediaKindImage:
	default:
		return fmt.Errorf("%w: media %q", ErrUnknownAttachment, m.Kind)
	}
	if m.URL == "" {
		return fmt.Errorf("%s attachment without a url", m.Kind)
	}
	return nil
}
