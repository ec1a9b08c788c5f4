package admission

import (
	"errors"
	"testing"

	"github.com/IMAGE-ET/Orthanc-2/config"
	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
	"github.com/IMAGE-ET/Orthanc-2/internal/blobstore"
	"github.com/IMAGE-ET/Orthanc-2/internal/changefeed"
	"github.com/IMAGE-ET/Orthanc-2/internal/index"
	"github.com/IMAGE-ET/Orthanc-2/internal/recycler"
)

func TestZZDiag(t *testing.T) {
	db, err := index.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer db.Close()
	blobs, _ := blobstore.New(t.TempDir(), blobstore.Policy{UseMD5: true})
	feed := changefeed.New(100)
	feed.Start()
	defer feed.Stop()
	p := &Pipeline{DB: db, Blobs: blobs, Recycler: recycler.New(recycler.Limits{}), Feed: feed}
	_, _, err = p.Store(sampleInstance("1.2.3.4.5"), "TESTAET")
	var ae *apperr.Error
	if errors.As(err, &ae) {
		t.Logf("err=%v details=%q original=%v", err, ae.Details, ae.OriginalError)
	} else {
		t.Logf("err=%v (not *apperr.Error)", err)
	}
}
