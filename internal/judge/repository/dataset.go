package repository

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"codejudge/internal/common/storage"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultDatasetPrefix = "datasets/"
	maxDatasetBytes      = 64 << 20
)

// DatasetRepository loads the tables a relational or tabular run needs.
type DatasetRepository interface {
	Get(ctx context.Context, datasetID string) (*model.Dataset, error)
}

// ObjectDatasetRepository reads datasets stored as JSON objects, optionally
// zstd compressed, under <prefix><id>.json[.zst].
type ObjectDatasetRepository struct {
	store  storage.ObjectStorage
	bucket string
	prefix string
}

func NewDatasetRepository(store storage.ObjectStorage, bucket, prefix string) *ObjectDatasetRepository {
	if prefix == "" {
		prefix = defaultDatasetPrefix
	}
	return &ObjectDatasetRepository{store: store, bucket: bucket, prefix: prefix}
}

func (r *ObjectDatasetRepository) Get(ctx context.Context, datasetID string) (*model.Dataset, error) {
	if strings.TrimSpace(datasetID) == "" {
		return nil, appErr.ValidationError("dataset_id", "required")
	}
	if strings.ContainsAny(datasetID, "/\\") {
		return nil, appErr.ValidationError("dataset_id", "must not contain path separators")
	}

	compressed := r.prefix + datasetID + ".json.zst"
	body, err := r.store.GetObject(ctx, r.bucket, compressed)
	if errors.Is(err, storage.ErrObjectNotFound) {
		body, err = r.store.GetObject(ctx, r.bucket, r.prefix+datasetID+".json")
		compressed = ""
	}
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, appErr.New(appErr.DatasetNotFound).WithDetail("dataset_id", datasetID)
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "fetch dataset %s", datasetID)
	}
	defer body.Close()

	var reader io.Reader = body
	if compressed != "" {
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatasetMalformed, "open compressed dataset %s", datasetID)
		}
		defer dec.Close()
		reader = dec
	}

	dataset, err := decodeDataset(io.LimitReader(reader, maxDatasetBytes))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatasetMalformed, "decode dataset %s", datasetID)
	}
	if dataset.ID == "" {
		dataset.ID = datasetID
	}
	return dataset, nil
}

func decodeDataset(r io.Reader) (*model.Dataset, error) {
	dec := json.NewDecoder(r)
	// Keep large integers exact until the runner binds them.
	dec.UseNumber()
	var dataset model.Dataset
	if err := dec.Decode(&dataset); err != nil {
		return nil, err
	}
	for _, table := range dataset.Tables {
		if strings.TrimSpace(table.Name) == "" {
			return nil, errors.New("table name is required")
		}
		if len(table.Columns) == 0 {
			return nil, errors.New("table " + table.Name + " has no columns")
		}
	}
	return &dataset, nil
}

var _ DatasetRepository = (*ObjectDatasetRepository)(nil)
