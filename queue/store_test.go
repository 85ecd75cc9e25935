package queue

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestMeasurementRecord(t *testing.T) {
	m := Measurement{TimeS: 1700000000, DistanceMM: 1234, BatteryVoltage: 3.85}
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b) != RecordSize {
		t.Fatalf("expected %d bytes, got %d", RecordSize, len(b))
	}
	// little endian distance at offset 8
	if b[8] != 0xd2 || b[9] != 0x04 {
		t.Errorf("unexpected distance bytes % x", b[8:12])
	}

	var got Measurement
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != m {
		t.Errorf("got %+v, want %+v", got, m)
	}
	if err := got.UnmarshalBinary(b[:19]); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord, got: %v", err)
	}
}

func TestFileStore(t *testing.T) {
	t.Run("Round trip keeps values and span", func(t *testing.T) {
		for n := 0; n < MaxBatch; n++ {
			s := NewFileStore(filepath.Join(t.TempDir(), "queue.bin"))
			want := make([]Measurement, n)
			for i := range want {
				want[i] = Measurement{
					TimeS:          uint64(1000 + i),
					DistanceMM:     uint32(400 + (i*37)%150),
					BatteryVoltage: 3.5 + float64(i)/100,
				}
				if err := s.Append(want[i]); err != nil {
					t.Fatalf("n=%d: unexpected error from Append(): %v", n, err)
				}
			}

			got, err := s.ReadAll()
			if err != nil {
				t.Fatalf("n=%d: unexpected error from ReadAll(): %v", n, err)
			}
			if !slices.Equal(got, want) {
				t.Errorf("n=%d: got %v, want %v", n, got, want)
			}
			if count, _ := s.Count(); count != n {
				t.Errorf("n=%d: Count() = %d", n, count)
			}

			current := Measurement{DistanceMM: 450}
			b := Collect(current, got, MaxBatch)
			ref := Collect(current, want, MaxBatch)
			if b.MinDistanceMM != ref.MinDistanceMM || b.MaxDistanceMM != ref.MaxDistanceMM {
				t.Errorf("n=%d: span %d..%d, want %d..%d", n,
					b.MinDistanceMM, b.MaxDistanceMM, ref.MinDistanceMM, ref.MaxDistanceMM)
			}
		}
	})

	t.Run("Missing file is an empty backlog", func(t *testing.T) {
		s := NewFileStore(filepath.Join(t.TempDir(), "missing.bin"))
		got, err := s.ReadAll()
		if err != nil || len(got) != 0 {
			t.Errorf("expected empty backlog, got %v, %v", got, err)
		}
		if err := s.Clear(); err != nil {
			t.Errorf("unexpected error from Clear(): %v", err)
		}
	})

	t.Run("Torn record is ignored and overwritten", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.bin")
		s := NewFileStore(path)
		first := Measurement{TimeS: 1, DistanceMM: 500, BatteryVoltage: 3.9}
		if err := s.Append(first); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		f.Write([]byte{1, 2, 3})
		f.Close()

		got, err := s.ReadAll()
		if err != nil || !slices.Equal(got, []Measurement{first}) {
			t.Fatalf("expected torn tail to be ignored, got %v, %v", got, err)
		}

		second := Measurement{TimeS: 2, DistanceMM: 510, BatteryVoltage: 3.8}
		if err := s.Append(second); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ = s.ReadAll()
		if !slices.Equal(got, []Measurement{first, second}) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("Clear empties the backlog", func(t *testing.T) {
		s := NewFileStore(filepath.Join(t.TempDir(), "queue.bin"))
		s.Append(Measurement{TimeS: 1})
		if err := s.Clear(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n, _ := s.Count(); n != 0 {
			t.Errorf("expected empty backlog, got %d", n)
		}
	})
}
