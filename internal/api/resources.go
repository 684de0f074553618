package api

import (
	"hash/fnv"
	"math/rand"
	"time"
)

// Mock data behind the metered endpoints. Seeded per 5-minute bucket so
// repeated paid reads inside a window agree with each other.

var conditions = []string{"Sunny", "Partly Cloudy", "Cloudy", "Rainy", "Snowy", "Windy", "Foggy"}

var headlines = []string{
	"Lightning fees hit all-time low",
	"Autonomous agents now settle invoices in under a second",
	"Satoshi-denominated APIs gain traction",
	"Channel liquidity at record highs",
	"Machine-to-machine payments quietly go mainstream",
}

func seededRand(key string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(key))
	bucket := time.Now().Unix() / 300
	return rand.New(rand.NewSource(int64(h.Sum64()) ^ bucket))
}

func generateWeather(city string) map[string]any {
	rng := seededRand("weather:" + city)
	return map[string]any{
		"city":          city,
		"temperature_f": 20 + rng.Intn(76),
		"humidity_pct":  30 + rng.Intn(61),
		"wind_mph":      rng.Intn(31),
		"condition":     conditions[rng.Intn(len(conditions))],
		"forecast_3h":   conditions[rng.Intn(len(conditions))],
		"timestamp":     time.Now().Unix(),
	}
}

func generateHeadlines() []map[string]any {
	rng := seededRand("headlines")
	out := make([]map[string]any, 0, 3)
	for _, i := range rng.Perm(len(headlines))[:3] {
		out = append(out, map[string]any{
			"title":     headlines[i],
			"relevance": rng.Float64(),
		})
	}
	return out
}
