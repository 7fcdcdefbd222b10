package intent

// Sample is one labelled utterance for Evaluate.
type Sample struct {
	Text     string `yaml:"text" json:"text"`
	Expected Type   `yaml:"expected" json:"expected"`
}

type Miss struct {
	Sample     Sample  `json:"sample"`
	Got        Type    `json:"got"`
	Confidence float64 `json:"confidence"`
}

type Accuracy struct {
	Accuracy float64 `json:"accuracy"`
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Misses   []Miss  `json:"misses,omitempty"`
}

// DefaultSamples is a smoke set covering the most common commands.
func DefaultSamples() []Sample {
	return []Sample{
		{"open firefox", OpenApplication},
		{"search for python tutorials", WebSearch},
		{"what time is it", Time},
		{"take a screenshot", Screenshot},
		{"play music", MusicControl},
		{"system status", SystemStatus},
		{"weather in london", Weather},
		{"volume up", VolumeControl},
		{"call john", CallContact},
		{"send message to sarah", MessageContact},
	}
}

// Evaluate classifies every sample and reports how many were recognised
// above the low-confidence floor with the expected type.
func (c *Classifier) Evaluate(samples []Sample) Accuracy {
	acc := Accuracy{Total: len(samples)}
	for _, s := range samples {
		got := c.Classify(s.Text)
		if got.Type == s.Expected && got.Confidence > c.opts.LowConfidence {
			acc.Correct++
			continue
		}
		acc.Misses = append(acc.Misses, Miss{Sample: s, Got: got.Type, Confidence: got.Confidence})
	}
	if acc.Total > 0 {
		acc.Accuracy = float64(acc.Correct) / float64(acc.Total)
	}
	return acc
}
