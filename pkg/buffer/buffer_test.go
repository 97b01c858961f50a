package buffer

import (
	"io"
	"testing"
)

func TestBufferMemoryLimit(t *testing.T) {
	// Very small limit to force disk spilling
	buf := New(10)
	defer buf.Close()

	data1 := []byte("small")
	if _, err := buf.Write(data1); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if buf.IsSpilled() {
		t.Fatalf("expected data in memory")
	}
	if buf.Bytes() == nil {
		t.Fatalf("expected data in memory")
	}

	data2 := []byte("this is much larger data that exceeds the limit")
	if _, err := buf.Write(data2); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if !buf.IsSpilled() {
		t.Fatalf("expected data to spill to disk")
	}
	if buf.Bytes() != nil {
		t.Fatalf("expected no data in memory after spill")
	}

	totalSize := int64(len(data1) + len(data2))
	if buf.Size() != totalSize {
		t.Fatalf("expected size %d, got %d", totalSize, buf.Size())
	}
}

func TestBufferReader(t *testing.T) {
	buf := New(1024)
	defer buf.Close()

	testData := []byte("test data for reader")
	if _, err := buf.Write(testData); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reader, err := buf.Reader()
	if err != nil {
		t.Fatalf("reader failed: %v", err)
	}
	defer reader.Close()

	readData, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(readData) != string(testData) {
		t.Fatalf("data mismatch: expected %s, got %s", testData, readData)
	}
}

func TestBufferReaderAfterSpill(t *testing.T) {
	buf := New(4)
	defer buf.Close()

	testData := []byte("spills to a temporary file")
	if _, err := buf.Write(testData); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !buf.IsSpilled() {
		t.Fatalf("expected data to spill")
	}

	reader, err := buf.Reader()
	if err != nil {
		t.Fatalf("reader failed: %v", err)
	}
	defer reader.Close()

	readData, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(readData) != string(testData) {
		t.Fatalf("data mismatch: expected %s, got %s", testData, readData)
	}
}

func TestNewWithData(t *testing.T) {
	data := []byte("preloaded")
	buf := NewWithData(data)
	defer buf.Close()

	if buf.Size() != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), buf.Size())
	}
	if string(buf.Bytes()) != string(data) {
		t.Fatalf("data mismatch: got %s", buf.Bytes())
	}
}

func TestBufferClose(t *testing.T) {
	buf := New(4)
	if _, err := buf.Write([]byte("spilled to disk")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := buf.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if _, err := buf.Write([]byte("more")); err == nil {
		t.Fatalf("expected write to closed buffer to fail")
	}
	if _, err := buf.Reader(); err == nil {
		t.Fatalf("expected reader on closed buffer to fail")
	}
}
