package framework

import (
	"archive/zip"
	"bytes"
	"fmt"
)

// ZipEntry is one file inside a fixture archive.
type ZipEntry struct {
	Name string
	Body string
}

// ZipArchive builds an in-memory zip with the given entries, in order.
func ZipArchive(entries []ZipEntry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range entries {
		f, err := zw.Create(entry.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", entry.Name, err)
		}
		if _, err := f.Write([]byte(entry.Body)); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", entry.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SampleSource returns a small source archive whose contents embed the
// given marker, so artifacts from different builds are distinguishable.
func SampleSource(marker string) ([]byte, error) {
	return ZipArchive([]ZipEntry{
		{Name: "README.md", Body: "fixture app " + marker + "\n"},
		{Name: "src/main.swift", Body: "print(\"" + marker + "\")\n"},
	})
}

// SampleCerts returns a small signing-material archive in the layout
// the controller's secure-certs endpoint expects.
func SampleCerts() ([]byte, error) {
	return ZipArchive([]ZipEntry{
		{Name: "dist.p12", Body: "p12-fixture-bytes"},
		{Name: "profiles/app.mobileprovision", Body: "profile-fixture-bytes"},
	})
}
