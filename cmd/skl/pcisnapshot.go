package main

import (
	"encoding/json"
	"os"

	"github.com/oracle/secure-kernel-loader/pciio"
)

// seedEntry is one register write recorded from a live probe, replayed
// against a FakeConfigSpace so a boot run can be reproduced offline.
type seedEntry struct {
	Bus      uint8  `json:"bus"`
	Device   uint8  `json:"device"`
	Function uint8  `json:"function"`
	Offset   uint32 `json:"offset"`
	Width    int    `json:"width"`
	Value    uint32 `json:"value"`
}

func loadPCISnapshot(path string) (*pciio.FakeConfigSpace, error) {
	cfg := pciio.NewFakeConfigSpace()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []seedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	for _, e := range entries {
		cfg.Seed(e.Bus, e.Device, e.Function, e.Offset, e.Width, e.Value)
	}

	return cfg, nil
}
