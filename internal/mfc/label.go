package mfc

import (
	"fmt"
	"strings"
)

const (
	LabelWidth  = 8
	MaxChannels = 12
)

// PadLabel truncates or underscore-pads text to the fixed label width.
func PadLabel(text string) string {
	r := []rune(text)
	if len(r) > LabelWidth {
		r = r[:LabelWidth]
	}
	s := string(r)
	return s + strings.Repeat("_", LabelWidth-len(r))
}

// DefaultLabel is the factory tag for channel index i: MFC00001, MFC00002, ...
func DefaultLabel(i int) string {
	return PadLabel(fmt.Sprintf("MFC%05d", i+1))
}

// DefaultLabels returns n default labels.
func DefaultLabels(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = DefaultLabel(i)
	}
	return out
}
