package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// GetString will get the string for k or return the default d if not found or invalid
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetMapSlice will get the list of maps for k. Entries that are not maps are
// reported as an error.
func (c *C) GetMapSlice(k string) ([]map[string]any, error) {
	r := c.Get(k)
	if r == nil {
		return nil, nil
	}

	rv, ok := r.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list, got %T", k, r)
	}

	v := make([]map[string]any, len(rv))
	for i := range rv {
		m, ok := rv[i].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a map, got %T", k, i, rv[i])
		}
		v[i] = m
	}
	return v, nil
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := strconv.Atoi(r)
	if err != nil {
		return d
	}

	return v
}

// GetUint32 will get the uint32 for k or return the default d if not found or invalid
func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetInt(k, int(d))
	if r < 0 || uint64(r) > uint64(math.MaxUint32) {
		return d
	}
	return uint32(r)
}

// GetAddress will get a 32 bit bus address for k, written either as a number
// or as a 0x prefixed hex string, or return the default d if not found.
func (c *C) GetAddress(k string, d uint32) (uint32, error) {
	r := c.Get(k)
	if r == nil {
		return d, nil
	}

	v, err := strconv.ParseUint(fmt.Sprintf("%v", r), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%s is not a 32 bit address: %v", k, r)
	}
	return uint32(v), nil
}

// GetByteSize will get a size in bytes for k, written as a plain number or
// with a unit like 2KiB, or return the default d if not found.
func (c *C) GetByteSize(k string, d int) (int, error) {
	r := c.Get(k)
	if r == nil {
		return d, nil
	}

	v, err := humanize.ParseBytes(fmt.Sprintf("%v", r))
	if err != nil {
		return 0, fmt.Errorf("%s is not a size: %w", k, err)
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("%s is too large: %s", k, humanize.IBytes(v))
	}
	return int(v), nil
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := c.Get(k)
	if r == nil {
		return d
	}
	v, ok := AsBool(r)
	if !ok {
		return d
	}
	return v
}

// AsBool interprets yaml booleans and the strings yes/no, y/n, true/false.
func AsBool(v any) (value bool, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(x) {
		case "y", "yes":
			return true, true
		case "n", "no":
			return false, true
		}
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, false
		}
		return b, true
	}

	return false, false
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) get(k string, v any) any {
	parts := strings.Split(k, ".")
	for _, p := range parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}
