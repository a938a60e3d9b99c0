package library

import (
	"bytes"
	"context"
	"testing"
	"time"

	"codedock/internal/common/storage"
	"codedock/internal/exec/model"
	appErr "codedock/pkg/errors"
)

type fakeStorage struct {
	objects map[string][]byte
}

type fakeReader struct {
	*bytes.Reader
}

func (fakeReader) Close() error { return nil }

func (f *fakeStorage) GetObject(_ context.Context, _, objectKey string) (storage.ObjectReader, error) {
	data, ok := f.objects[objectKey]
	if !ok {
		return nil, appErr.New(appErr.NotFound)
	}
	return fakeReader{bytes.NewReader(data)}, nil
}

func (f *fakeStorage) StatObject(_ context.Context, _, objectKey string) (storage.ObjectStat, error) {
	data, ok := f.objects[objectKey]
	if !ok {
		return storage.ObjectStat{}, appErr.New(appErr.NotFound)
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func TestTargetFor(t *testing.T) {
	cases := []struct {
		filename string
		want     model.LibraryTarget
		wantErr  bool
	}{
		{filename: "lodash-4.17.21.tgz", want: model.TargetNodeModule},
		{filename: "guava-33.0.jar", want: model.TargetJavaLib},
		{filename: "numpy-1.26-py3-none-any.whl", want: model.TargetPythonWheel},
		{filename: "requests-2.31.tar.gz", want: model.TargetPythonWheel},
		{filename: "libcustom.so", want: model.TargetNativeLib},
		{filename: "libcustom.a", want: model.TargetNativeLib},
		{filename: "custom.hpp", want: model.TargetNativeInclude},
		{filename: "mystery.bin", wantErr: true},
	}
	for _, tc := range cases {
		got, err := TargetFor(tc.filename)
		if tc.wantErr {
			if err == nil {
				t.Errorf("TargetFor(%q): expected error", tc.filename)
			}
			continue
		}
		if err != nil {
			t.Errorf("TargetFor(%q): %v", tc.filename, err)
			continue
		}
		if got != tc.want {
			t.Errorf("TargetFor(%q) = %q, want %q", tc.filename, got, tc.want)
		}
	}
}

func TestResolveFetchesInOrder(t *testing.T) {
	store := &fakeStorage{objects: map[string][]byte{
		"projects/7/libraries/left-pad-1.3.0.tgz": []byte("tgz-bytes"),
		"projects/7/libraries/guava.jar":          []byte("jar-bytes"),
	}}
	r := NewResolver(store, "libraries", 0, time.Second)

	libs, err := r.Resolve(context.Background(), []model.LibraryRef{
		{ProjectID: 7, Filename: "left-pad-1.3.0.tgz"},
		{ProjectID: 7, Filename: "guava.jar"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(libs) != 2 {
		t.Fatalf("expected 2 libraries, got %d", len(libs))
	}
	if libs[0].Target != model.TargetNodeModule || string(libs[0].Content) != "tgz-bytes" {
		t.Errorf("unexpected first library: %+v", libs[0])
	}
	if libs[1].Target != model.TargetJavaLib || string(libs[1].Content) != "jar-bytes" {
		t.Errorf("unexpected second library: %+v", libs[1])
	}
}

func TestResolveMissingBlobFailsBatch(t *testing.T) {
	store := &fakeStorage{objects: map[string][]byte{
		"projects/7/libraries/guava.jar": []byte("jar-bytes"),
	}}
	r := NewResolver(store, "libraries", 0, 0)

	_, err := r.Resolve(context.Background(), []model.LibraryRef{
		{ProjectID: 7, Filename: "guava.jar"},
		{ProjectID: 7, Filename: "absent.whl"},
	})
	if appErr.GetCode(err) != appErr.LibraryNotFound {
		t.Fatalf("expected LibraryNotFound, got %v", err)
	}
}

func TestResolveRejectsOversizedBlob(t *testing.T) {
	store := &fakeStorage{objects: map[string][]byte{
		"projects/1/libraries/big.jar": bytes.Repeat([]byte("x"), 128),
	}}
	r := NewResolver(store, "libraries", 64, 0)

	_, err := r.Resolve(context.Background(), []model.LibraryRef{
		{ProjectID: 1, Filename: "big.jar"},
	})
	if appErr.GetCode(err) != appErr.LibraryTooLarge {
		t.Fatalf("expected LibraryTooLarge, got %v", err)
	}
}

func TestResolveStripsDirectoryComponents(t *testing.T) {
	store := &fakeStorage{objects: map[string][]byte{
		"projects/3/libraries/safe.jar": []byte("jar"),
	}}
	r := NewResolver(store, "libraries", 0, 0)

	libs, err := r.Resolve(context.Background(), []model.LibraryRef{
		{ProjectID: 3, Filename: "../../etc/safe.jar"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if libs[0].Filename != "safe.jar" {
		t.Errorf("expected base filename, got %q", libs[0].Filename)
	}
}
