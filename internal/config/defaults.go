package config

// Default returns a configuration populated with built-in defaults. Path
// fields are relative until normalize expands them.
func Default() Config {
	return Config{
		Server: Server{
			Port:           119,
			TimeoutSeconds: 30,
		},
		Scan: Scan{
			Lookback:        2000,
			ProgressSeconds: 10,
		},
		Ingest: Ingest{
			BatchSize:    500,
			FlushSeconds: 2,
		},
		Events: Events{
			PollSeconds: 1,
			ReadLimit:   1000,
		},
		Aggregate: Aggregate{
			DebounceSeconds:     2,
			MaxStalenessSeconds: 300,
		},
		Manifests: Manifests{
			SaveToDisk:   true,
			Dir:          "~/.local/share/newshound/nzbs",
			VerifySample: 0,
		},
		Filters: Filters{
			Denylist:          []string{"xxx", "porn"},
			ArchiveExtensions: []string{".rar", ".r00", ".7z.001", ".zip.001"},
		},
		Paths: Paths{
			DataDir: "~/.local/share/newshound",
			LogDir:  "~/.local/share/newshound/logs",
		},
		Logging: Logging{
			Level:  "info",
			Format: "",
		},
	}
}
