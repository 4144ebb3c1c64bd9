// Package selector picks a variant stream out of a master playlist.
package selector

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
	"github.com/RalkeyOfficial/MediaBreaker/internal/playlist"
	"github.com/RalkeyOfficial/MediaBreaker/internal/variant"
)

const opSelect = "select variant"

// Preference is a user quality choice: "best", "worst" or a height such as "720p".
type Preference string

const (
	Best  Preference = "best"
	Worst Preference = "worst"
)

// ParsePreference validates a quality string.
func ParsePreference(s string) (Preference, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", string(Best):
		return Best, nil
	case string(Worst):
		return Worst, nil
	}
	if _, err := height(Preference(s)); err != nil {
		return "", err
	}
	return Preference(s), nil
}

func height(p Preference) (int, error) {
	h, err := strconv.Atoi(strings.TrimSuffix(string(p), "p"))
	if err != nil || h <= 0 {
		return 0, fmt.Errorf("invalid quality %q: want best, worst or a height like 720p", string(p))
	}
	return h, nil
}

// better reports whether a ranks above b: higher bandwidth, then larger
// picture. Equal variants are not better than each other, so manifest order
// decides.
func better(a, b variant.Variant) bool {
	if a.Bandwidth != b.Bandwidth {
		return a.Bandwidth > b.Bandwidth
	}
	return a.Resolution.Area() > b.Resolution.Area()
}

func checkMaster(p *playlist.Playlist) error {
	if p == nil || !p.IsMaster() {
		return &failure.Error{Kind: failure.Validation, Op: opSelect, Err: errors.New("not a master playlist")}
	}
	if len(p.Variants) == 0 {
		return &failure.Error{Kind: failure.NoVariants, Op: opSelect, URL: p.URL}
	}
	return nil
}

// SelectHighest returns the variant with the highest bandwidth; ties go to the
// larger resolution, then to the first in manifest order. The second result
// is the variant's absolute media playlist address.
func SelectHighest(p *playlist.Playlist) (variant.Variant, string, error) {
	if err := checkMaster(p); err != nil {
		return variant.Variant{}, "", err
	}

	best := p.Variants[0]
	for _, v := range p.Variants[1:] {
		if better(v, best) {
			best = v
		}
	}
	return resolve(p, best)
}

// Select applies a user preference. A height picks the best variant whose
// height does not exceed it, falling back to the lowest variant when all are taller.
func Select(p *playlist.Playlist, pref Preference) (variant.Variant, string, error) {
	if err := checkMaster(p); err != nil {
		return variant.Variant{}, "", err
	}

	switch pref {
	case "", Best:
		return SelectHighest(p)
	case Worst:
		worst := p.Variants[0]
		for _, v := range p.Variants[1:] {
			if better(worst, v) {
				worst = v
			}
		}
		return resolve(p, worst)
	}

	h, err := height(pref)
	if err != nil {
		return variant.Variant{}, "", &failure.Error{Kind: failure.Validation, Op: opSelect, Err: err}
	}

	ranked := Sorted(p)
	for _, v := range ranked {
		if v.Resolution != nil && v.Resolution.Height <= h {
			return resolve(p, v)
		}
	}
	return resolve(p, ranked[len(ranked)-1])
}

// Sorted returns the variants best first. Equal variants keep manifest order.
func Sorted(p *playlist.Playlist) []variant.Variant {
	if p == nil {
		return nil
	}
	out := make([]variant.Variant, len(p.Variants))
	copy(out, p.Variants)
	sort.SliceStable(out, func(i, j int) bool {
		return better(out[i], out[j])
	})
	return out
}

func resolve(p *playlist.Playlist, v variant.Variant) (variant.Variant, string, error) {
	uri, err := playlist.ResolveURL(p.BaseURL, v.URI)
	if err != nil {
		return variant.Variant{}, "", &failure.Error{Kind: failure.Validation, Op: opSelect, URL: p.URL, Fragment: v.URI, Err: err}
	}
	return v, uri, nil
}
