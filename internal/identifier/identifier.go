// Package identifier implements the Identifier Index (spec.md §4.3): a
// logical view over the Index Database's DicomIdentifier table, used
// by external find operations and by the admission pipeline to
// register the identifier tags appropriate to each hierarchy level.
package identifier

import (
	"github.com/IMAGE-ET/Orthanc-2/internal/dicomtag"
	"github.com/IMAGE-ET/Orthanc-2/internal/index"
)

// Index is the thin typed façade spec.md §4.3 describes: it never
// opens its own transaction, it only shapes calls to the already
// transactional internal/index package.
type Index struct {
	db *index.Database
}

// New wraps db.
func New(db *index.Database) *Index {
	return &Index{db: db}
}

// TagValue pairs a tag with the raw (non-normalized) value the
// admission pipeline extracted from a parsed instance.
type TagValue struct {
	Tag   dicomtag.Tag
	Value string
}

// Lookup returns the public ids of resources at level whose identifier
// tag equals value, after normalization (spec.md §4.3: "Used by
// external find operations").
func (idx *Index) Lookup(tag dicomtag.Tag, value string, level dicomtag.Level) ([]string, error) {
	normalized := dicomtag.NormalizeIdentifier(value)
	ids, err := idx.db.LookupIdentifier(tag.Group, tag.Element, normalized, index.Level(level))
	if err != nil {
		return nil, err
	}
	return idx.publicIDsFor(ids)
}

func (idx *Index) publicIDsFor(internalIDs []int64) ([]string, error) {
	publicIDs := make([]string, 0, len(internalIDs))
	for _, id := range internalIDs {
		publicID, ok, err := idx.db.PublicIDForInternalID(id)
		if err != nil {
			return nil, err
		}
		if ok {
			publicIDs = append(publicIDs, publicID)
		}
	}
	return publicIDs, nil
}

// RegisterIdentifiers is called by the admission pipeline once per
// level, storing only the identifier tags appropriate to that level
// (spec.md §4.3, §4.6 step 7). It must be called inside tx's
// transaction.
func RegisterIdentifiers(tx *index.Tx, resourceID int64, level dicomtag.Level, values []TagValue) error {
	wanted := dicomtag.IdentifierTagsForLevel(level)

	for _, want := range wanted {
		for _, tv := range values {
			if tv.Tag != want {
				continue
			}
			normalized := dicomtag.NormalizeIdentifier(tv.Value)
			if err := tx.SetIdentifierTag(resourceID, index.Level(level), want.Group, want.Element, normalized); err != nil {
				return err
			}
		}
	}
	return nil
}
