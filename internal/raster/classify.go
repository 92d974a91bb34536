package raster

import (
	"fmt"
	"strings"
)

// Class is the interpretation of one pixel value.
type Class uint8

const (
	ClassNoData Class = iota
	ClassSnow
	ClassSnowFree
	ClassCloud
)

func (c Class) String() string {
	switch c {
	case ClassSnow:
		return "snow"
	case ClassSnowFree:
		return "snow-free"
	case ClassCloud:
		return "cloud"
	}
	return "no-data"
}

// Encoding describes an FSC product's value encoding.
type Encoding struct {
	ValidMax      uint16 // values 0..ValidMax are snow fractions in percent
	Cloud         uint16
	NoData        uint16
	SnowThreshold uint16 // a valid value ≥ SnowThreshold is snow-covered
}

// DefaultEncoding is the Copernicus HR-S&I FSC encoding.
func DefaultEncoding() Encoding {
	return Encoding{ValidMax: 100, Cloud: 205, NoData: 255, SnowThreshold: 1}
}

// Validate checks that the codes do not overlap the valid range.
func (e Encoding) Validate() error {
	if e.Cloud <= e.ValidMax || e.NoData <= e.ValidMax {
		return fmt.Errorf("cloud (%d) and no-data (%d) codes must be above the valid maximum %d", e.Cloud, e.NoData, e.ValidMax)
	}
	if e.SnowThreshold > e.ValidMax {
		return fmt.Errorf("snow threshold %d above valid maximum %d", e.SnowThreshold, e.ValidMax)
	}
	return nil
}

// Classify interprets v. gridNoData, when set, is treated as no data too.
func (e Encoding) Classify(v uint16, gridNoData *uint16) Class {
	switch {
	case gridNoData != nil && v == *gridNoData:
		return ClassNoData
	case v <= e.ValidMax:
		if v >= e.SnowThreshold && v > 0 {
			return ClassSnow
		}
		return ClassSnowFree
	case v == e.Cloud:
		return ClassCloud
	}
	return ClassNoData
}

// OverlapRule decides which pixels along a polygon boundary belong to it.
type OverlapRule string

const (
	// RuleCentre keeps pixels whose centre lies inside the polygon.
	RuleCentre OverlapRule = "centre"
	// RuleMajority keeps pixels at least half covered by the polygon.
	RuleMajority OverlapRule = "majority"
	// RuleAny keeps every pixel the polygon touches.
	RuleAny OverlapRule = "any"
)

// ParseOverlapRule accepts centre (or center), majority and any.
func ParseOverlapRule(s string) (OverlapRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "centre", "center", "":
		return RuleCentre, nil
	case "majority":
		return RuleMajority, nil
	case "any", "all_touched":
		return RuleAny, nil
	}
	return "", fmt.Errorf("unknown overlap rule %q (want centre, majority or any)", s)
}
