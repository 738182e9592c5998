package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"newshound/internal/nzbstore"
	"newshound/internal/store"
)

func newReleasesCommand(ctx *commandContext) *cobra.Command {
	releasesCmd := &cobra.Command{
		Use:   "releases",
		Short: "Query the release catalog",
	}

	releasesCmd.AddCommand(newReleasesListCommand(ctx))
	releasesCmd.AddCommand(newReleasesShowCommand(ctx))
	releasesCmd.AddCommand(newReleasesExportCommand(ctx))
	releasesCmd.AddCommand(newReleasesTagsCommand(ctx))

	return releasesCmd
}

func newReleasesListCommand(ctx *commandContext) *cobra.Command {
	var tagFlag, groupFlag, posterFlag string
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog releases, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			releases, err := st.ListReleases(cmd.Context(), store.CatalogFilter{
				Tag:    tagFlag,
				Group:  groupFlag,
				Poster: posterFlag,
				Limit:  limitFlag,
			})
			if err != nil {
				return err
			}
			if len(releases) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No releases match")
				return nil
			}

			rows := make([][]string, 0, len(releases))
			for _, release := range releases {
				rows = append(rows, []string{
					release.Name,
					release.Poster,
					release.SizeHuman,
					fmt.Sprintf("%d/%d", release.PartsReceived, release.PartsExpected),
					strings.Join(release.Tags, " "),
					release.LastSeen,
				})
			}
			table := renderTable(
				[]string{"Release", "Poster", "Size", "Parts", "Tags", "Last Seen"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
			)
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}

	cmd.Flags().StringVar(&tagFlag, "tag", "", "Only releases carrying this tag")
	cmd.Flags().StringVar(&groupFlag, "group", "", "Only releases seen in this group")
	cmd.Flags().StringVar(&posterFlag, "poster", "", "Only releases from this poster")
	cmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum rows to print (0 for all)")
	return cmd
}

func newReleasesShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show one release in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			manifests, err := ctx.openManifests()
			if err != nil {
				return err
			}
			defer manifests.Close()

			release, found, err := st.FindRelease(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no release with key %q", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:       %s\n", release.Name)
			fmt.Fprintf(out, "Poster:     %s\n", release.Poster)
			fmt.Fprintf(out, "Groups:     %s\n", strings.Join(release.Groups, ", "))
			fmt.Fprintf(out, "Size:       %s (%d bytes)\n", release.SizeHuman, release.Bytes)
			fmt.Fprintf(out, "Parts:      %d/%d (complete: %s)\n",
				release.PartsReceived, release.PartsExpected, yesNo(release.Complete()))
			fmt.Fprintf(out, "Seen:       %s .. %s\n", release.FirstSeen, release.LastSeen)
			fmt.Fprintf(out, "Type:       %s\n", release.Type)
			if release.Quality != "" {
				fmt.Fprintf(out, "Quality:    %s\n", release.Quality)
			}
			if release.Codec != "" {
				fmt.Fprintf(out, "Codec:      %s\n", release.Codec)
			}
			if release.Audio != "" {
				fmt.Fprintf(out, "Audio:      %s\n", release.Audio)
			}
			if len(release.Languages) > 0 {
				fmt.Fprintf(out, "Languages:  %s\n", strings.Join(release.Languages, ", "))
			}
			if len(release.Tags) > 0 {
				fmt.Fprintf(out, "Tags:       %s\n", strings.Join(release.Tags, " "))
			}

			stored, err := manifests.FindByRelease(cmd.Context(), release.Key)
			if err != nil {
				return err
			}
			if len(stored) == 0 {
				fmt.Fprintln(out, "Manifests:  none")
				return nil
			}
			for _, manifest := range stored {
				fmt.Fprintf(out, "Manifest:   %s (%s, stored %s)\n",
					manifest.Key, manifest.Source, manifest.StoredAt)
			}
			return nil
		},
	}
}

func newReleasesExportCommand(ctx *commandContext) *cobra.Command {
	var dirFlag string
	var toStdout bool

	cmd := &cobra.Command{
		Use:   "export <key>",
		Short: "Write a release's NZB manifest to disk or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			manifests, err := ctx.openManifests()
			if err != nil {
				return err
			}
			defer manifests.Close()

			stored, err := manifests.FindByRelease(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(stored) == 0 {
				// The key may name a manifest directly rather than a release.
				manifest, found, err := manifests.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("no manifest for %q", args[0])
				}
				stored = []nzbstore.Manifest{manifest}
			}

			manifest := stored[0]
			if toStdout {
				fmt.Fprint(cmd.OutOrStdout(), manifest.Payload)
				return nil
			}

			dir := dirFlag
			if dir == "" {
				dir = cfg.Manifests.Dir
			}
			if strings.TrimSpace(dir) == "" {
				return fmt.Errorf("no output directory; pass --dir or set manifests.dir")
			}
			path, err := nzbstore.WriteFile(dir, manifest)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dirFlag, "dir", "", "Output directory, overriding manifests.dir")
	cmd.Flags().BoolVar(&toStdout, "stdout", false, "Print the manifest XML instead of writing a file")
	return cmd
}

func newReleasesTagsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List distinct catalog tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			tags, err := st.Tags(cmd.Context())
			if err != nil {
				return err
			}
			if len(tags) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tags in the catalog")
				return nil
			}
			for _, tag := range tags {
				fmt.Fprintln(cmd.OutOrStdout(), tag)
			}
			return nil
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
