// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store, err := New(Config{Driver: DriverMemory, Prefix: "evidence"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	payload := []byte(`{"bundle":"data"}`)
	if err := store.Put(ctx, "conv-1/bundle-v1.json", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "conv-1/bundle-v1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Get = %q, want %q", got, payload)
	}

	ok, err := store.Exists(ctx, "conv-1/bundle-v1.json")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true, nil", ok, err)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store, _ := New(Config{Driver: DriverMemory})
	ctx := context.Background()

	if err := store.Put(ctx, "k", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _ := store.Get(ctx, "k")
	got[0] = 'X'

	again, _ := store.Get(ctx, "k")
	if string(again) != `{"a":1}` {
		t.Fatalf("stored object mutated through returned slice: %q", again)
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	store, _ := New(Config{Driver: DriverMemory})
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreRejectsOversizedPut(t *testing.T) {
	store, _ := New(Config{Driver: DriverMemory, MaxObjectSize: 8})
	err := store.Put(context.Background(), "k", []byte("123456789"))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Put oversized = %v, want ErrTooLarge", err)
	}
}

func TestCleanKeyRejectsBadKeys(t *testing.T) {
	store, _ := New(Config{Driver: DriverMemory})
	ctx := context.Background()

	for _, key := range []string{"", " padded ", "cont\x01rol", "/"} {
		if err := store.Put(ctx, key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestMemoryStorePrefixIsolation(t *testing.T) {
	a, _ := New(Config{Driver: DriverMemory, Prefix: "a"})
	b, _ := New(Config{Driver: DriverMemory, Prefix: "b"})
	ctx := context.Background()

	if err := a.Put(ctx, "k", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ := b.Exists(ctx, "k"); ok {
		t.Fatal("object visible across stores with different prefixes")
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(Config{Driver: "ftp"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New(ftp) = %v, want ErrInvalidConfig", err)
	}
}

func TestNewS3RequiresBucketAndClient(t *testing.T) {
	_, err := New(Config{Driver: DriverS3})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New(s3, no bucket) = %v, want ErrInvalidConfig", err)
	}
	if err != nil && !strings.Contains(err.Error(), "bucket") {
		t.Fatalf("error should name the missing bucket, got %v", err)
	}
}
