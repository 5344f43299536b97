package main

import (
	"encoding/json"
	"math/rand/v2"
	"sort"
)

// labelPrefix precedes the letter part of every response label
const labelPrefix = "Response "

// ShuffleFunc permutes n elements through swap. rand.Shuffle satisfies it.
type ShuffleFunc func(n int, swap func(i, j int))

// AnonymizedResponse is a Stage 1 answer as the rankers see it.
type AnonymizedResponse struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// LabelMap maps the labels of one turn back to the models that wrote them.
// It is built once by Anonymize and is read-only afterwards.
type LabelMap struct {
	labels []string
	models map[string]string
}

// Model returns the model behind label.
func (m LabelMap) Model(label string) (string, bool) {
	model, ok := m.models[label]
	return model, ok
}

// Has reports whether label belongs to this turn.
func (m LabelMap) Has(label string) bool {
	_, ok := m.models[label]
	return ok
}

// Labels returns the labels in presentation order.
func (m LabelMap) Labels() []string {
	out := make([]string, len(m.labels))
	copy(out, m.labels)
	return out
}

// Len returns the number of labels.
func (m LabelMap) Len() int {
	return len(m.labels)
}

// MarshalJSON encodes the map as {"Response A": "model", ...}.
func (m LabelMap) MarshalJSON() ([]byte, error) {
	if m.models == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.models)
}

// UnmarshalJSON restores a stored map.
func (m *LabelMap) UnmarshalJSON(data []byte) error {
	var models map[string]string
	if err := json.Unmarshal(data, &models); err != nil {
		return err
	}
	*m = newLabelMap(models)
	return nil
}

// newLabelMap builds a LabelMap from a plain mapping, ordering labels A, B, ... Z, AA.
func newLabelMap(models map[string]string) LabelMap {
	labels := make([]string, 0, len(models))
	copied := make(map[string]string, len(models))
	for label, model := range models {
		labels = append(labels, label)
		copied[label] = model
	}
	sort.Slice(labels, func(i, j int) bool {
		if len(labels[i]) != len(labels[j]) {
			return len(labels[i]) < len(labels[j])
		}
		return labels[i] < labels[j]
	})
	return LabelMap{labels: labels, models: copied}
}

// labelFor returns the label for the i-th anonymized response: A..Z, then AA, AB, ...
func labelFor(i int) string {
	var letters []byte
	for n := i + 1; n > 0; n = (n - 1) / 26 {
		letters = append([]byte{byte('A' + (n-1)%26)}, letters...)
	}
	return labelPrefix + string(letters)
}

// Anonymize shuffles the successful Stage 1 results and labels them in shuffled order.
// Failed results are left out. A nil shuffle uses rand.Shuffle, so every call draws
// a fresh permutation.
func Anonymize(results []Stage1Result, shuffle ShuffleFunc) ([]AnonymizedResponse, LabelMap) {
	if shuffle == nil {
		shuffle = rand.Shuffle
	}

	var successful []Stage1Result
	for _, r := range results {
		if r.OK() {
			successful = append(successful, r)
		}
	}

	shuffle(len(successful), func(i, j int) {
		successful[i], successful[j] = successful[j], successful[i]
	})

	anonymized := make([]AnonymizedResponse, len(successful))
	labels := make([]string, len(successful))
	models := make(map[string]string, len(successful))
	for i, r := range successful {
		label := labelFor(i)
		anonymized[i] = AnonymizedResponse{Label: label, Content: *r.Content}
		labels[i] = label
		models[label] = r.Model
	}

	return anonymized, LabelMap{labels: labels, models: models}
}
