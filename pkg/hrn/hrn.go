// Package hrn parses catalog resource names of the form
// hrn:<partition>:<service>:<region>:<account>:<resource>.
package hrn

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidHRN = errors.New("invalid hrn")

// HRN is comparable and is used as a cache key for catalog scoped state.
type HRN struct {
	Partition string
	Service   string
	Region    string
	Account   string
	Resource  string
}

func Parse(s string) (HRN, error) {
	parts := strings.SplitN(s, ":", 6)
	if len(parts) != 6 || parts[0] != "hrn" {
		return HRN{}, fmt.Errorf("%w: %q", ErrInvalidHRN, s)
	}
	h := HRN{
		Partition: parts[1],
		Service:   parts[2],
		Region:    parts[3],
		Account:   parts[4],
		Resource:  parts[5],
	}
	if h.Partition == "" || h.Service == "" || h.Resource == "" {
		return HRN{}, fmt.Errorf("%w: %q missing partition, service or resource", ErrInvalidHRN, s)
	}
	return h, nil
}

func MustParse(s string) HRN {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h HRN) String() string {
	return strings.Join([]string{"hrn", h.Partition, h.Service, h.Region, h.Account, h.Resource}, ":")
}

func (h HRN) IsZero() bool {
	return h == HRN{}
}

// MarshalText and UnmarshalText let an HRN sit in JSON configuration.
func (h HRN) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HRN) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
