// Package regionfs owns the on-disk layout of a region: its directory under
// the shared data folder, the store files of its column families, and the
// merges working directory used while fusing two regions.
package regionfs

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tab-sharding/tabrs/pkg/models/regions"
	"github.com/tab-sharding/tabrs/pkg/tablog"
)

const mergesDirName = "merges"

// StoreFile is one immutable data file of a column family.
type StoreFile struct {
	Family string
	Path   string
}

// ReferenceFile is the record written into a .ref file: a metadata-only
// pointer at a store file of another region. Reference files must survive
// process crashes, hence the fsync discipline on write.
type ReferenceFile struct {
	SourcePath   string `json:"source_path"`
	Family       string `json:"family"`
	SourceRegion string `json:"source_region"`
}

// RegionFS is the filesystem view of one region.
type RegionFS struct {
	dataDir string
	desc    *regions.RegionDescriptor
}

func New(dataDir string, desc *regions.RegionDescriptor) *RegionFS {
	return &RegionFS{
		dataDir: dataDir,
		desc:    desc,
	}
}

func (rfs *RegionFS) DataDir() string {
	return rfs.dataDir
}

func (rfs *RegionFS) tableDir() string {
	return path.Join(rfs.dataDir, rfs.desc.Table)
}

// RegionDir is <data>/<table>/<encoded-name>.
func (rfs *RegionFS) RegionDir() string {
	return path.Join(rfs.tableDir(), rfs.desc.EncodedName())
}

// MergesDir is the merge working directory, always under this region's dir.
func (rfs *RegionFS) MergesDir() string {
	return path.Join(rfs.RegionDir(), mergesDirName)
}

func (rfs *RegionFS) CreateRegionDir() error {
	if err := os.MkdirAll(rfs.RegionDir(), 0755); err != nil {
		return errors.Wrapf(err, "failed creating region dir for %s", rfs.desc.EncodedName())
	}
	return nil
}

// CreateMergesDir sets up a fresh merges working directory, dropping any
// leftover from an earlier attempt.
func (rfs *RegionFS) CreateMergesDir() error {
	dir := rfs.MergesDir()
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed cleaning stale merges dir %s", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed creating merges dir %s", dir)
	}
	return nil
}

// MergeStoreFile creates a reference file for one source store file under
// the merged region's subtree of the merges dir and returns its path.
func (rfs *RegionFS) MergeStoreFile(merged *regions.RegionDescriptor, familyName string, sf StoreFile, mergesDir string) (string, error) {
	familyDir := path.Join(mergesDir, merged.EncodedName(), familyName)
	if err := os.MkdirAll(familyDir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed creating family dir %s", familyDir)
	}

	ref := ReferenceFile{
		SourcePath:   sf.Path,
		Family:       familyName,
		SourceRegion: rfs.desc.EncodedName(),
	}
	raw, err := json.Marshal(&ref)
	if err != nil {
		return "", err
	}

	refPath := path.Join(familyDir, filepath.Base(sf.Path)+"."+rfs.desc.EncodedName()+".ref")
	f, err := os.OpenFile(refPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", errors.Wrapf(err, "failed creating reference file %s", refPath)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return "", errors.Wrapf(err, "failed writing reference file %s", refPath)
	}
	if err := f.Sync(); err != nil {
		return "", errors.Wrapf(err, "failed syncing reference file %s", refPath)
	}

	tablog.Zero.Debug().
		Str("region", rfs.desc.EncodedName()).
		Str("reference", refPath).
		Msg("regionfs: created reference file")
	return refPath, nil
}

// CommitMergedRegion moves the merged region's prepared subtree out of the
// merges dir into its final place under the table dir and returns that path.
func (rfs *RegionFS) CommitMergedRegion(merged *regions.RegionDescriptor) (string, error) {
	src := path.Join(rfs.MergesDir(), merged.EncodedName())
	dst := path.Join(rfs.tableDir(), merged.EncodedName())
	if err := os.Rename(src, dst); err != nil {
		return "", errors.Wrapf(err, "failed committing merged region %s", merged.EncodedName())
	}
	return dst, nil
}

func (rfs *RegionFS) CleanupMergesDir() error {
	if err := os.RemoveAll(rfs.MergesDir()); err != nil {
		return errors.Wrapf(err, "failed cleaning merges dir of %s", rfs.desc.EncodedName())
	}
	return nil
}

// CleanupMergedRegion deletes the in-progress merged region directory, both
// the committed location and any leftover under the merges dir.
func (rfs *RegionFS) CleanupMergedRegion(merged *regions.RegionDescriptor) error {
	for _, dir := range []string{
		path.Join(rfs.tableDir(), merged.EncodedName()),
		path.Join(rfs.MergesDir(), merged.EncodedName()),
	} {
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "failed cleaning merged region dir %s", dir)
		}
	}
	return nil
}

// StoreFiles lists the store files of the region grouped by column family.
// Reference files count as store files of the family that holds them.
func (rfs *RegionFS) StoreFiles() (map[string][]StoreFile, error) {
	out := map[string][]StoreFile{}
	familyEntries, err := os.ReadDir(rfs.RegionDir())
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, errors.Wrapf(err, "failed listing region dir of %s", rfs.desc.EncodedName())
	}
	for _, fe := range familyEntries {
		if !fe.IsDir() || fe.Name() == mergesDirName {
			continue
		}
		fileEntries, err := os.ReadDir(path.Join(rfs.RegionDir(), fe.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "failed listing family dir %s", fe.Name())
		}
		for _, f := range fileEntries {
			if f.IsDir() {
				continue
			}
			out[fe.Name()] = append(out[fe.Name()], StoreFile{
				Family: fe.Name(),
				Path:   path.Join(rfs.RegionDir(), fe.Name(), f.Name()),
			})
		}
	}
	return out, nil
}
