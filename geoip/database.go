package geoip

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang/v2"
	"go.uber.org/zap"

	"github.com/hmilkovi/sphere-surface-distance/spheredist"
)

var ErrNoCoordinates = errors.New("no coordinates for address")

// IPLocator turns an IP address into a position on Earth.
type IPLocator interface {
	Locate(addr netip.Addr) (spheredist.DegreePoint, error)
}

type DatabaseArgs struct {
	Logger               *zap.Logger
	MmdbUri              string
	MmdbPath             string
	PeriodicDownloadDays int
}

// Database keeps an mmdb city database in memory and swaps it on sync.
type Database struct {
	path                 string
	uri                  string
	periodicDownloadDays int
	reader               *geoip2.Reader
	readerLock           sync.RWMutex
	logger               *zap.Logger
}

// OpenDatabase loads the mmdb from disk, downloading it first when a URI is
// configured and the local copy is missing or older than the download period.
func OpenDatabase(ctx context.Context, args *DatabaseArgs) (*Database, error) {
	logger := args.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db := &Database{
		path:                 args.MmdbPath,
		uri:                  args.MmdbUri,
		periodicDownloadDays: args.PeriodicDownloadDays,
		logger:               logger,
	}

	if err := db.Sync(ctx); err != nil {
		return nil, err
	}

	return db, nil
}

func (d *Database) shouldDownload() bool {
	if d.uri == "" || d.periodicDownloadDays == 0 {
		return false
	}

	stat, err := os.Stat(d.path)
	if err != nil || stat.IsDir() {
		return true
	}

	return time.Since(stat.ModTime()).Hours()/24 >= float64(d.periodicDownloadDays)
}

// Sync downloads the database if it is due and reopens it from disk.
func (d *Database) Sync(ctx context.Context) error {
	if d.shouldDownload() {
		d.logger.Info("downloading geoip database", zap.String("uri", d.uri), zap.String("path", d.path))
		if err := downloadGeoDB(ctx, d.uri, d.path); err != nil {
			return err
		}
	}

	reader, err := geoip2.Open(d.path)
	if err != nil {
		return fmt.Errorf("failed to load geoip db: %w", err)
	}

	d.readerLock.Lock()
	previous := d.reader
	d.reader = reader
	d.readerLock.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			d.logger.Warn("failed to close previous geoip db", zap.Error(err))
		}
	}

	return nil
}

// StartPeriodicSync re-syncs the database once a day until ctx is done.
func (d *Database) StartPeriodicSync(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Sync(ctx); err != nil {
					d.logger.Error("failed to sync geo ip database", zap.Error(err))
				}
			}
		}
	}()
}

// Locate looks up the city record of addr.
func (d *Database) Locate(addr netip.Addr) (spheredist.DegreePoint, error) {
	d.readerLock.RLock()
	defer d.readerLock.RUnlock()

	if d.reader == nil {
		return spheredist.DegreePoint{}, errors.New("geoip db is closed")
	}

	record, err := d.reader.City(addr)
	if err != nil {
		return spheredist.DegreePoint{}, fmt.Errorf("failed ip lookup: %w", err)
	}

	if !record.Location.HasCoordinates() {
		return spheredist.DegreePoint{}, fmt.Errorf("%w: %s", ErrNoCoordinates, addr)
	}

	return spheredist.DegreePoint{
		Latitude:  *record.Location.Latitude,
		Longitude: *record.Location.Longitude,
	}, nil
}

func (d *Database) Close() error {
	d.readerLock.Lock()
	defer d.readerLock.Unlock()

	if d.reader == nil {
		return nil
	}
	err := d.reader.Close()
	d.reader = nil
	return err
}
