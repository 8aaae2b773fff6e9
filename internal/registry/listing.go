package registry

// ModelListEntry is one element of an OpenAI-compatible model listing.
type ModelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI-compatible envelope for GET /v1/models.
type ModelList struct {
	Object string           `json:"object"`
	Data   []ModelListEntry `json:"data"`
}

const modelListCreated = 1735689600 // 2025-01-01T00:00:00Z

// FallbackModelList returns the static table rendered as an OpenAI-style
// listing, used when the vendor's own listing cannot be fetched.
func FallbackModelList() ModelList {
	entries := make([]ModelListEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, ModelListEntry{
			ID:      m.ID,
			Object:  "model",
			Created: modelListCreated,
			OwnedBy: "iflow",
		})
	}
	return ModelList{Object: "list", Data: entries}
}
