package config

import "strings"

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Manifests.Dir, err = expandPath(c.Manifests.Dir); err != nil {
		return err
	}

	c.Server.Host = strings.TrimSpace(c.Server.Host)
	c.Server.Username = strings.TrimSpace(c.Server.Username)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	c.Scan.Groups = trimAll(c.Scan.Groups)
	c.Filters.Denylist = lowerAll(trimAll(c.Filters.Denylist))
	c.Filters.ArchiveExtensions = lowerAll(trimAll(c.Filters.ArchiveExtensions))
	return nil
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func lowerAll(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToLower(v)
	}
	return values
}
