package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// tsLayouts are the accepted upload timestamp formats: RFC 3339, and the
// zone-less ISO form some recorder firmwares send (interpreted as UTC).
var tsLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
}

func parseTS(v string) (time.Time, error) {
	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("ingest: invalid timestamp %q", v)
}

// formInt returns the named form field as an int, 0 when absent or invalid.
func formInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.FormValue(name))
	if err != nil {
		return 0
	}
	return n
}

// decodeJSON reads a single JSON object from the request body, rejecting
// unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
