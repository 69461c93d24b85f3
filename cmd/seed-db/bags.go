package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/bagmarket/internal/domain/bag"
)

type bagJSON struct {
	ID         int64           `json:"id"`
	BusinessID int64           `json:"businessId"`
	Name       string          `json:"name"`
	Status     int             `json:"status"`
	Price      decimal.Decimal `json:"price"`
}

// loadBags reads a JSON array of bags. Files ending in .gz are decompressed
// on the fly.
func loadBags(path string) ([]bag.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open bags file")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip stream")
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	return decodeBags(r)
}

func decodeBags(r io.Reader) ([]bag.Snapshot, error) {
	var raw []bagJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "parse bags JSON")
	}

	bags := make([]bag.Snapshot, 0, len(raw))
	seen := make(map[int64]struct{}, len(raw))
	for _, b := range raw {
		switch {
		case b.ID <= 0:
			return nil, errors.Errorf("bag %q: id must be positive", b.Name)
		case b.Status != int(bag.StatusActive) && b.Status != int(bag.StatusInactive):
			return nil, errors.Errorf("bag %d: status must be 0 or 1", b.ID)
		case b.Price.IsNegative():
			return nil, errors.Errorf("bag %d: negative price", b.ID)
		}
		if _, dup := seen[b.ID]; dup {
			return nil, errors.Errorf("bag %d: duplicate id", b.ID)
		}
		seen[b.ID] = struct{}{}

		bags = append(bags, bag.Snapshot{
			ID:         b.ID,
			BusinessID: b.BusinessID,
			Name:       b.Name,
			Status:     bag.Status(b.Status),
			Price:      b.Price,
		})
	}
	return bags, nil
}
