package handler

import (
	"fmt"

	"github.com/IMAGE-ET/Orthanc-2/internal/index"
)

// parseLevel maps the plural path segment used across every resource
// route ("patients", "studies", "series", "instances") onto an
// index.Level.
func parseLevel(segment string) (index.Level, error) {
	switch segment {
	case "patients":
		return index.LevelPatient, nil
	case "studies":
		return index.LevelStudy, nil
	case "series":
		return index.LevelSeries, nil
	case "instances":
		return index.LevelInstance, nil
	default:
		return 0, fmt.Errorf("unknown resource level %q", segment)
	}
}
