package state

import (
	"testing"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir, "rendezvous.example.com:7828")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.ServerAddress != "rendezvous.example.com:7828" {
		t.Errorf("ServerAddress = %q, want default", s.ServerAddress)
	}
	if s.PortMapping.Kind != PortMappingNone {
		t.Errorf("PortMapping.Kind = %q, want none", s.PortMapping.Kind)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	port := uint16(4242)
	want := &State{
		ServerAddress: "example.com:7828",
		PortMapping:   PortMapping{Kind: PortMappingPortForwarding, Port: &port},
		LastPublishes: []PublishRecord{{Path: "/tmp/file.bin"}},
		LastDownloads: []DownloadRecord{
			{
				Hash:     "deadbeef",
				FileSize: 1024,
				Path:     "/tmp/out.bin",
				Intervals: []Interval{
					{Start: 0, End: 512},
				},
			},
		},
	}

	if err := Save(dir, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(dir, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got.ServerAddress != want.ServerAddress {
		t.Errorf("ServerAddress = %q, want %q", got.ServerAddress, want.ServerAddress)
	}
	if got.PortMapping.Kind != want.PortMapping.Kind || *got.PortMapping.Port != *want.PortMapping.Port {
		t.Errorf("PortMapping = %+v, want %+v", got.PortMapping, want.PortMapping)
	}
	if len(got.LastDownloads) != 1 || len(got.LastDownloads[0].Intervals) != 1 {
		t.Fatalf("LastDownloads round trip failed: %+v", got.LastDownloads)
	}
	if got.LastDownloads[0].Intervals[0].End != 512 {
		t.Errorf("interval end = %d, want 512", got.LastDownloads[0].Intervals[0].End)
	}
}
