package watchlist

import (
	"fmt"
	"os"
	"strings"

	"nyyu-chartfeed/internal/models"

	"gopkg.in/yaml.v3"
)

// Entry is one watched token and the intervals kept live for it
type Entry struct {
	Address   string            `yaml:"address"`
	Intervals []models.Interval `yaml:"intervals"`
}

// File represents the YAML watchlist structure
type File struct {
	DefaultIntervals []models.Interval `yaml:"default_intervals"`
	Tokens           []Entry           `yaml:"tokens"`
}

// Series is one (token, interval) chart the service keeps subscribed
type Series struct {
	TokenAddress string
	Interval     models.Interval
}

func (s Series) key() string {
	return strings.ToLower(s.TokenAddress) + "|" + s.Interval.String()
}

// LoadFromYAML loads and validates a watchlist file
func LoadFromYAML(filePath string) ([]Series, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist file: %w", err)
	}

	return Parse(data)
}

// Parse expands a watchlist document into series, applying default intervals
func Parse(data []byte) ([]Series, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist YAML: %w", err)
	}

	if len(file.Tokens) == 0 {
		return nil, fmt.Errorf("no tokens found in watchlist")
	}

	defaults := file.DefaultIntervals
	if len(defaults) == 0 {
		defaults = []models.Interval{models.Interval1m}
	}

	seen := make(map[string]bool)
	var series []Series
	for _, token := range file.Tokens {
		address := strings.TrimSpace(token.Address)
		if address == "" {
			return nil, fmt.Errorf("watchlist entry without address")
		}

		intervals := token.Intervals
		if len(intervals) == 0 {
			intervals = defaults
		}
		for _, iv := range intervals {
			if !iv.Valid() {
				return nil, fmt.Errorf("token %s: unsupported interval %q", address, iv)
			}
			s := Series{TokenAddress: address, Interval: iv}
			if seen[s.key()] {
				continue
			}
			seen[s.key()] = true
			series = append(series, s)
		}
	}

	return series, nil
}
