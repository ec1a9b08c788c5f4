// Package query implements the Query Engine of spec.md §4.7: it
// translates a set of tag constraints plus a target level into a list
// of matching public ids, pushing identifier-tag constraints down into
// the Identifier Index, re-checking main-tag constraints against
// MainDicomTag, and falling back to a capped scan of each candidate's
// JSON summary attachment for anything neither indexes.
package query

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/IMAGE-ET/Orthanc-2/internal/admission"
	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
	"github.com/IMAGE-ET/Orthanc-2/internal/blobstore"
	"github.com/IMAGE-ET/Orthanc-2/internal/dicomtag"
	"github.com/IMAGE-ET/Orthanc-2/internal/index"
)

// ConstraintKind is one of the four kinds spec.md §4.7 names.
type ConstraintKind int

const (
	Exact ConstraintKind = iota
	Wildcard
	Range
	SetMembership
)

// Constraint is one tag predicate. Value is used by Exact/Wildcard,
// RangeLow/RangeHigh by Range (inclusive, lexicographic — sufficient
// for DICOM's fixed-width date/time strings), Values by SetMembership.
type Constraint struct {
	Tag      dicomtag.Tag
	Kind     ConstraintKind
	Value    string
	RangeLow string
	RangeHigh string
	Values   []string
}

// Limits mirrors the two front-end caps of spec.md §6.
type Limits struct {
	MaxResults   uint32 // limit_find_results: caps the unindexed path
	MaxInstances uint32 // limit_find_instances: caps instances scanned per candidate
}

// Engine runs Find against an already-populated Index Database and
// Attachment Store; it holds no state of its own between calls.
type Engine struct {
	db     *index.Database
	blobs  *blobstore.Store
	limits Limits
}

// New builds an Engine bound to db and blobs.
func New(db *index.Database, blobs *blobstore.Store, limits Limits) *Engine {
	return &Engine{db: db, blobs: blobs, limits: limits}
}

// Find returns the public ids at targetLevel satisfying every
// constraint (spec.md §4.7's four-step execution). Constraints on
// dictionary tags of a level below targetLevel are not applied.
func (e *Engine) Find(targetLevel index.Level, constraints []Constraint) ([]string, error) {
	byLevel, unindexed := classify(constraints)

	startLevel := targetLevel
	for level := range byLevel {
		if level < startLevel {
			startLevel = level
		}
	}

	ids, err := e.seed(startLevel, byLevel[startLevel])
	if err != nil {
		return nil, err
	}

	for level := startLevel + 1; level <= targetLevel; level++ {
		ids, err = e.descend(ids)
		if err != nil {
			return nil, err
		}
		ids, err = e.applyLevelConstraints(ids, byLevel[level])
		if err != nil {
			return nil, err
		}
	}

	if len(unindexed) > 0 {
		ids, err = e.filterUnindexed(targetLevel, ids, unindexed)
		if err != nil {
			return nil, err
		}
	}

	return e.publicIDs(ids)
}

// classify splits constraints into per-level indexed/main-tag buckets
// (identifier tags and known main tags both resolve to a level) and a
// remainder bucket of tags this dictionary subset doesn't know, which
// can only be resolved by reading instance summary blobs (spec.md
// §4.7 step 3).
func classify(constraints []Constraint) (map[index.Level][]Constraint, []Constraint) {
	byLevel := make(map[index.Level][]Constraint)
	var unindexed []Constraint
	for _, c := range constraints {
		level, ok := dicomtag.LevelOfTag(c.Tag)
		if !ok {
			unindexed = append(unindexed, c)
			continue
		}
		idxLevel := index.Level(level)
		byLevel[idxLevel] = append(byLevel[idxLevel], c)
	}
	return byLevel, unindexed
}

// seed builds the initial candidate set at startLevel: identifier
// constraints are pushed into the Identifier Index (step 1), then any
// main-tag constraints at that level re-check the result (step 2).
func (e *Engine) seed(startLevel index.Level, constraints []Constraint) ([]int64, error) {
	identifierConstraints, mainConstraints := splitIdentifier(constraints)

	var ids []int64
	var err error
	if len(identifierConstraints) > 0 {
		ids, err = e.pushdownIdentifiers(identifierConstraints)
	} else {
		ids, err = e.db.ListInternalIDs(startLevel)
	}
	if err != nil {
		return nil, err
	}

	return e.applyMainConstraints(ids, mainConstraints)
}

// applyLevelConstraints narrows an already-descended candidate set by
// the constraints assigned to its level.
func (e *Engine) applyLevelConstraints(ids []int64, constraints []Constraint) ([]int64, error) {
	identifierConstraints, mainConstraints := splitIdentifier(constraints)

	if len(identifierConstraints) > 0 {
		matches, err := e.pushdownIdentifiers(identifierConstraints)
		if err != nil {
			return nil, err
		}
		ids = intersect(ids, matches)
	}
	return e.applyMainConstraints(ids, mainConstraints)
}

func splitIdentifier(constraints []Constraint) (identifierConstraints, mainConstraints []Constraint) {
	for _, c := range constraints {
		if dicomtag.IsIdentifierTag(c.Tag) && (c.Kind == Exact || c.Kind == SetMembership) {
			identifierConstraints = append(identifierConstraints, c)
		} else {
			mainConstraints = append(mainConstraints, c)
		}
	}
	return
}

// pushdownIdentifiers intersects the Identifier Index lookups for
// every identifier constraint (spec.md §4.7 step 1), each resolved to
// its own level via dicomtag.LevelOfTag.
func (e *Engine) pushdownIdentifiers(constraints []Constraint) ([]int64, error) {
	var result []int64
	first := true
	for _, c := range constraints {
		level, _ := dicomtag.LevelOfTag(c.Tag)
		values := constraintValues(c)
		var matches []int64
		for _, v := range values {
			normalized := dicomtag.NormalizeIdentifier(v)
			found, err := e.db.LookupIdentifier(c.Tag.Group, c.Tag.Element, normalized, index.Level(level))
			if err != nil {
				return nil, err
			}
			matches = append(matches, found...)
		}
		if first {
			result = matches
			first = false
		} else {
			result = intersect(result, matches)
		}
	}
	return result, nil
}

// constraintValues returns the value(s) an Exact or SetMembership
// constraint names. Wildcard/Range constraints on identifier tags are
// not pushed down (the Identifier Index only supports exact lookups);
// they fall through to the main-tag recheck path instead.
func constraintValues(c Constraint) []string {
	switch c.Kind {
	case SetMembership:
		return c.Values
	default:
		return []string{c.Value}
	}
}

// applyMainConstraints fetches each candidate's MainDicomTag rows and
// keeps only those matching every constraint (spec.md §4.7 step 2).
func (e *Engine) applyMainConstraints(ids []int64, constraints []Constraint) ([]int64, error) {
	if len(constraints) == 0 {
		return ids, nil
	}
	var kept []int64
	for _, id := range ids {
		tags, err := e.db.ListMainDicomTagsRead(id)
		if err != nil {
			return nil, err
		}
		values := make(map[dicomtag.Tag]string, len(tags))
		for _, t := range tags {
			values[dicomtag.Tag{Group: t.TagGroup, Element: t.TagElement}] = t.Value
		}
		if matchesAll(values, constraints) {
			kept = append(kept, id)
		}
	}
	return kept, nil
}

func matchesAll(values map[dicomtag.Tag]string, constraints []Constraint) bool {
	for _, c := range constraints {
		v, ok := values[c.Tag]
		if !ok || !matchConstraint(v, c) {
			return false
		}
	}
	return true
}

// descend replaces each id in ids with its direct children (spec.md
// §4.7 step 4).
func (e *Engine) descend(ids []int64) ([]int64, error) {
	var children []int64
	for _, id := range ids {
		c, err := e.db.GetChildren(id)
		if err != nil {
			return nil, err
		}
		children = append(children, c...)
	}
	return children, nil
}

// filterUnindexed keeps candidates that have a descendant instance
// whose JSON summary satisfies every unindexed constraint (spec.md
// §4.7 step 3), short-circuiting once max_results matches are found.
func (e *Engine) filterUnindexed(targetLevel index.Level, ids []int64, constraints []Constraint) ([]int64, error) {
	var kept []int64
	for _, id := range ids {
		instances, err := e.descendantInstances(targetLevel, id)
		if err != nil {
			return nil, err
		}
		ok, err := e.anyInstanceMatches(instances, constraints)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, id)
		}
		if e.limits.MaxResults > 0 && uint32(len(kept)) >= e.limits.MaxResults {
			break
		}
	}
	return kept, nil
}

// descendantInstances returns id's own id if targetLevel is already
// Instance, or walks down to Instance level otherwise, capped by
// limit_find_instances.
func (e *Engine) descendantInstances(targetLevel index.Level, id int64) ([]int64, error) {
	current := []int64{id}
	for level := targetLevel; level < index.LevelInstance; level++ {
		next, err := e.descend(current)
		if err != nil {
			return nil, err
		}
		current = next
		if e.limits.MaxInstances > 0 && uint32(len(current)) > e.limits.MaxInstances {
			current = current[:e.limits.MaxInstances]
		}
	}
	return current, nil
}

func (e *Engine) anyInstanceMatches(instanceIDs []int64, constraints []Constraint) (bool, error) {
	for _, id := range instanceIDs {
		publicID, ok, err := e.db.PublicIDForInternalID(id)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		a, found, err := e.db.LookupAttachment(id, admission.ContentTypeSummary)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		data, err := e.blobs.Read(a.UUID, admission.ContentTypeSummary, blobstore.FileInfo{
			ContentType:      admission.ContentTypeSummary,
			UncompressedSize: a.UncompressedSize,
			CompressedSize:   a.CompressedSize,
			CompressionAlgo:  a.CompressionAlgo,
			UncompressedMD5:  a.UncompressedMD5,
			CompressedMD5:    a.CompressedMD5,
		})
		if err != nil {
			return false, apperr.Wrap(apperr.CodeInternalError, err).WithDetails("reading summary for " + publicID)
		}
		var summary admission.Summary
		if err := json.Unmarshal(data, &summary); err != nil {
			return false, apperr.Wrap(apperr.CodeCorruptedFile, err)
		}
		if matchesSummary(summary, constraints) {
			return true, nil
		}
	}
	return false, nil
}

func matchesSummary(summary admission.Summary, constraints []Constraint) bool {
	for _, c := range constraints {
		v, ok := summary.Tags[c.Tag.String()]
		if !ok || !matchConstraint(v, c) {
			return false
		}
	}
	return true
}

func matchConstraint(value string, c Constraint) bool {
	switch c.Kind {
	case Exact:
		return value == c.Value
	case Wildcard:
		return wildcardMatch(c.Value, value)
	case Range:
		return value >= c.RangeLow && value <= c.RangeHigh
	case SetMembership:
		for _, want := range c.Values {
			if value == want {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// wildcardMatch converts a DICOM-style glob (* and ?) into a regular
// expression and matches the full value against it.
func wildcardMatch(pattern, value string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func (e *Engine) publicIDs(ids []int64) ([]string, error) {
	publicIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		publicID, ok, err := e.db.PublicIDForInternalID(id)
		if err != nil {
			return nil, err
		}
		if ok {
			publicIDs = append(publicIDs, publicID)
		}
	}
	return publicIDs, nil
}

func intersect(a, b []int64) []int64 {
	set := make(map[int64]bool, len(b))
	for _, id := range b {
		set[id] = true
	}
	var result []int64
	for _, id := range a {
		if set[id] {
			result = append(result, id)
		}
	}
	return result
}
