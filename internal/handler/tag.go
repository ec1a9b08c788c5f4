package handler

import (
	"strconv"
	"strings"

	"github.com/IMAGE-ET/Orthanc-2/internal/dicomtag"
)

// parseTag parses the "GGGG,EEEE" hex form used across every request
// DTO into a dicomtag.Tag.
func parseTag(s string) (dicomtag.Tag, bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return dicomtag.Tag{}, false
	}
	group, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return dicomtag.Tag{}, false
	}
	element, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return dicomtag.Tag{}, false
	}
	return dicomtag.Tag{Group: uint16(group), Element: uint16(element)}, true
}
