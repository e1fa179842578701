package runtimelock

import (
	"os"
	"testing"
)

func TestAcquireReleaseWritesDescriptorAndPID(t *testing.T) {
	dir := t.TempDir()
	lock, err := New(dir)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	desc := Descriptor{SchemaVersion: SchemaVersion, Mode: "project", BindHost: "127.0.0.1", Port: 8000, PID: os.Getpid()}
	if err := lock.Acquire(desc, func(string) {}); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	pid, err := ReadPID(dir)
	if err != nil {
		t.Fatalf("ReadPID() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadPID() = %d, want %d", pid, os.Getpid())
	}

	got, err := ReadDescriptor(dir)
	if err != nil {
		t.Fatalf("ReadDescriptor() failed: %v", err)
	}
	if got.Port != 8000 || got.Mode != "project" {
		t.Errorf("ReadDescriptor() = %+v, want matching Port/Mode", got)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
}

func TestAcquireSecondInstanceFails(t *testing.T) {
	dir := t.TempDir()

	lock1, err := New(dir)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := lock1.Acquire(Descriptor{PID: os.Getpid()}, func(string) {}); err != nil {
		t.Fatalf("first Acquire() failed: %v", err)
	}
	defer lock1.Release()

	lock2, err := New(dir)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := lock2.Acquire(Descriptor{PID: os.Getpid()}, func(string) {}); err == nil {
		t.Error("second Acquire() should fail while the first instance holds the lock")
	}
}

func TestCleanupIfStaleNeverTouchesRuntimeDescriptor(t *testing.T) {
	dir := t.TempDir()
	lock, err := New(dir)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := lock.Acquire(Descriptor{PID: os.Getpid(), Mode: "project"}, func(string) {}); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	if _, err := CleanupIfStale(dir); err != nil {
		t.Fatalf("CleanupIfStale() failed: %v", err)
	}

	if _, err := ReadDescriptor(dir); err != nil {
		t.Errorf("runtime descriptor should survive stale cleanup, got error: %v", err)
	}
}

func TestReadPIDNotFound(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadPID(dir); err != ErrPIDFileNotFound {
		t.Errorf("ReadPID() on empty dir = %v, want ErrPIDFileNotFound", err)
	}
}
