// Package analyzer inspects mission archives against a validation policy.
// Analysis never modifies the archive.
package analyzer

import (
	"archive/zip"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"dcs-mission-validator/internal/models"
)

// DescriptorEntry is the archive entry holding the mission descriptor.
const DescriptorEntry = "mission"

const maxDescriptorBytes = 64 << 20

// Analyze opens the archive named by ref and inspects it. A returned error
// means the archive could not be read; callers treat that as invalid.
func Analyze(policy models.ValidationPolicy, ref models.FileRef) (models.AnalysisResult, error) {
	zr, err := zip.OpenReader(ref.Path)
	if err != nil {
		return models.AnalysisResult{}, errors.Wrapf(err, "open archive %s", ref.Path)
	}
	defer zr.Close()

	return AnalyzeReader(policy, &zr.Reader)
}

// AnalyzeReader inspects an already opened archive.
func AnalyzeReader(policy models.ValidationPolicy, zr *zip.Reader) (models.AnalysisResult, error) {
	res := models.AnalysisResult{IsValid: true}

	res.ForbiddenFolders = forbiddenFolders(policy.ForbiddenFolders, zr.File)
	if len(res.ForbiddenFolders) > 0 {
		res.ForbiddenFolderHit = true
		res.IsValid = false
	}

	descriptor := findEntry(zr.File, DescriptorEntry)
	if descriptor == nil {
		res.MissingDescriptor = true
		res.IsValid = false
		return res, nil
	}

	content, err := readEntry(descriptor)
	if err != nil {
		return res, err
	}

	res.RequiredModules = ParseRequiredModules(content)
	for _, m := range res.RequiredModules {
		if !policy.IsModuleAllowed(m) {
			res.InvalidModules = append(res.InvalidModules, m)
		}
	}
	if len(res.InvalidModules) > 0 {
		res.IsValid = false
	}
	return res, nil
}

// forbiddenFolders returns the policy folders that have at least one entry
// underneath them, in policy order.
func forbiddenFolders(folders []string, files []*zip.File) []string {
	var hits []string
	for _, folder := range folders {
		prefix := folder
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		for _, f := range files {
			if strings.HasPrefix(f.Name, prefix) {
				hits = append(hits, folder)
				break
			}
		}
	}
	return hits
}

func findEntry(files []*zip.File, name string) *zip.File {
	for _, f := range files {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", errors.Wrapf(err, "open entry %s", f.Name)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxDescriptorBytes+1))
	if err != nil {
		return "", errors.Wrapf(err, "read entry %s", f.Name)
	}
	if len(data) > maxDescriptorBytes {
		return "", errors.Newf("entry %s too large (>%d bytes)", f.Name, maxDescriptorBytes)
	}
	return string(data), nil
}
