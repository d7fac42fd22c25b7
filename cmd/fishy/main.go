// Command fishy hides and recovers data inside FAT12/16/32 disk images
// using file-slack and additional-cluster steganography, and inspects
// FAT volumes and sidecar metadata files.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/importantchoice/fishy/fat"
	"github.com/importantchoice/fishy/sidecar"
	"github.com/importantchoice/fishy/stego/addcluster"
	"github.com/importantchoice/fishy/stego/slack"
)

var verbosity int

func main() {
	app := &cli.App{
		Name:  "fishy",
		Usage: "hide and recover data in FAT12/16/32 file slack and additional clusters",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "v", Usage: "verbose logging"},
			&cli.BoolFlag{Name: "vv", Usage: "very verbose logging (includes internal error chains)"},
		},
		Before: func(c *cli.Context) error {
			verbosity = 0
			if c.Bool("v") {
				verbosity = 1
			}
			if c.Bool("vv") {
				verbosity = 2
			}
			log.SetFlags(0)
			return nil
		},
		Commands: []*cli.Command{
			fattoolsCommand,
			fileslackCommand,
			addclusterCommand,
			metadataCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		reportAndExit(err)
	}
}

// reportAndExit prints a one-line diagnostic (two lines under -vv, adding
// the wrapped cause chain) and exits non-zero, mirroring the top-level
// exception handler in fishy's original command-line driver.
func reportAndExit(err error) {
	log.Printf("fishy: %s", err)
	if verbosity >= 2 {
		if unwrapped := unwrapAll(err); unwrapped != "" {
			log.Printf("fishy: cause: %s", unwrapped)
		}
	}
	os.Exit(1)
}

func unwrapAll(err error) string {
	type unwrapper interface{ Unwrap() error }
	chain := ""
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return chain
		}
		next := u.Unwrap()
		if next == nil {
			return chain
		}
		if chain != "" {
			chain += ", caused by "
		}
		chain += next.Error()
		err = next
	}
}

func openImage(path string) (*fat.FileSystem, *os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	fs, err := fat.Open(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return fs, f, nil
}

var fattoolsCommand = &cli.Command{
	Name:      "fattools",
	Usage:     "inspect a FAT volume's geometry, allocation table, or directories",
	ArgsUsage: "IMAGE",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "info", Usage: "print volume geometry"},
		&cli.BoolFlag{Name: "fat", Usage: "print every allocation table entry"},
		&cli.StringFlag{Name: "list", Usage: "list the directory at the given path"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("fattools requires exactly one image argument")
		}
		fs, f, err := openImage(c.Args().First())
		if err != nil {
			return err
		}
		defer f.Close()

		switch {
		case c.Bool("info"):
			return printVolumeInfo(fs)
		case c.Bool("fat"):
			return printAllocationTable(fs)
		case c.String("list") != "":
			return printDirectoryListing(fs, c.String("list"))
		default:
			return fmt.Errorf("fattools requires one of --info, --fat, or --list")
		}
	},
}

func printVolumeInfo(fs *fat.FileSystem) error {
	fmt.Printf("variant:            %s\n", fs.Boot.Variant)
	fmt.Printf("bytes per sector:   %d\n", fs.Boot.BytesPerSector)
	fmt.Printf("sectors per cluster:%d\n", fs.Boot.SectorsPerCluster)
	fmt.Printf("bytes per cluster:  %d\n", fs.Boot.BytesPerCluster)
	fmt.Printf("reserved sectors:   %d\n", fs.Boot.ReservedSectors)
	fmt.Printf("number of FATs:     %d\n", fs.Boot.NumFATs)
	fmt.Printf("total sectors:      %d\n", fs.Boot.TotalSectors)
	fmt.Printf("cluster count:      %d\n", fs.Boot.ClusterCount)
	fmt.Printf("free clusters:      %d\n", fs.Table.FreeClusterCount())
	return nil
}

func printAllocationTable(fs *fat.FileSystem) error {
	var err error
	for n := fat.ClusterID(2); n <= fat.ClusterID(fs.Boot.ClusterCount+1); n++ {
		entry, getErr := fs.Table.Get(n)
		if getErr != nil {
			err = getErr
			break
		}
		fmt.Printf("%d: %s\n", n, entry)
	}
	return err
}

func printDirectoryListing(fs *fat.FileSystem, path string) error {
	dirent, err := fs.Resolve(path)
	if err != nil {
		return err
	}
	if !dirent.IsDir() {
		fmt.Printf("%s\t%d\n", dirent.Name, dirent.Size)
		return nil
	}

	entries, err := fs.DirEntries(dirent)
	if err != nil {
		return err
	}
	for _, e := range entries {
		kind := "F"
		if e.IsDir() {
			kind = "D"
		}
		fmt.Printf("%s\t%s\t%d\n", kind, e.Name, e.Size)
	}
	return nil
}

var fileslackCommand = &cli.Command{
	Name:      "fileslack",
	Usage:     "hide or recover data in file slack",
	ArgsUsage: "IMAGE",
	Flags: append(commonHidingFlags(),
		&cli.StringSliceFlag{
			Name:     "destination",
			Usage:    "cover file or directory path(s) on the FAT volume (repeatable; directories are parsed recursively)",
			Required: true,
		},
		&cli.BoolFlag{Name: "info", Usage: "report slack capacity across the destinations without writing"},
	),
	Action: func(c *cli.Context) error {
		if c.Bool("info") {
			return runSlackInfo(c)
		}
		return runHidingCommand(c, slackMultiOps{}, c.StringSlice("destination"))
	},
}

var addclusterCommand = &cli.Command{
	Name:      "addcluster",
	Usage:     "hide or recover data in additional clusters appended to a cover file's chain",
	ArgsUsage: "IMAGE",
	Flags: append(commonHidingFlags(),
		&cli.StringFlag{Name: "destination", Usage: "path of the cover file on the FAT volume", Required: true},
	),
	Action: func(c *cli.Context) error {
		return runHidingCommand(c, addclusterOps{}, []string{c.String("destination")})
	},
}

func commonHidingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "metadata", Usage: "path to the sidecar metadata file", Required: true},
		&cli.StringFlag{Name: "password", Usage: "encrypt/decrypt the sidecar with this passphrase"},
		&cli.BoolFlag{Name: "write", Usage: "hide data read from --file or stdin"},
		&cli.BoolFlag{Name: "read", Usage: "recover hidden data to stdout"},
		&cli.BoolFlag{Name: "clear", Usage: "erase the hidden data and free any extra clusters"},
		&cli.StringFlag{Name: "file", Usage: "read payload from this file instead of stdin"},
		&cli.StringFlag{Name: "outfile", Usage: "write recovered data to this file instead of stdout"},
	}
}

func runSlackInfo(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one image argument")
	}
	fs, f, err := openImage(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := slack.Inspect(fs, c.StringSlice("destination"))
	if err != nil {
		return err
	}
	fmt.Printf("total capacity:     %d bytes\n", info.TotalCapacity)
	fmt.Printf("largest contiguous: %d bytes\n", info.LargestContiguous)
	return nil
}

// hidingOps abstracts over the file-slack and additional-cluster
// allocators so runHidingCommand only has to be written once. Both
// allocators speak in terms of a destination set and a batch of sidecar
// entries; addcluster's ops implementation acts only on the first
// destination and the first matching sidecar entry.
type hidingOps interface {
	write(fs *fat.FileSystem, dests []string, payload []byte) ([]sidecar.Entry, error)
	read(fs *fat.FileSystem, entries []sidecar.Entry) ([]byte, error)
	clear(fs *fat.FileSystem, entries []sidecar.Entry) error
	expand(fs *fat.FileSystem, dests []string) ([]string, error)
}

type slackMultiOps struct{}

func (slackMultiOps) write(fs *fat.FileSystem, dests []string, payload []byte) ([]sidecar.Entry, error) {
	return slack.Write(fs, dests, payload)
}
func (slackMultiOps) read(fs *fat.FileSystem, entries []sidecar.Entry) ([]byte, error) {
	return slack.Read(fs, entries)
}
func (slackMultiOps) clear(fs *fat.FileSystem, entries []sidecar.Entry) error {
	return slack.Clear(fs, entries)
}
func (slackMultiOps) expand(fs *fat.FileSystem, dests []string) ([]string, error) {
	return slack.ExpandDestinations(fs, dests)
}

type addclusterOps struct{}

func (addclusterOps) write(fs *fat.FileSystem, dests []string, payload []byte) ([]sidecar.Entry, error) {
	entry, err := addcluster.Write(fs, dests[0], payload)
	if err != nil {
		return nil, err
	}
	return []sidecar.Entry{*entry}, nil
}
func (addclusterOps) read(fs *fat.FileSystem, entries []sidecar.Entry) ([]byte, error) {
	return addcluster.Read(fs, entries[0])
}
func (addclusterOps) clear(fs *fat.FileSystem, entries []sidecar.Entry) error {
	return addcluster.Clear(fs, entries[0])
}
func (addclusterOps) expand(fs *fat.FileSystem, dests []string) ([]string, error) {
	return dests, nil
}

func runHidingCommand(c *cli.Context, ops hidingOps, dests []string) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one image argument")
	}
	fs, f, err := openImage(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	password := c.String("password")
	metadataPath := c.String("metadata")

	switch {
	case c.Bool("write"):
		payload, err := readPayload(c.String("file"))
		if err != nil {
			return err
		}
		entries, err := ops.write(fs, dests, payload)
		if err != nil {
			return err
		}
		return appendSidecarEntries(metadataPath, password, entries)

	case c.Bool("read"):
		entries, err := loadSidecarEntriesForDestinations(fs, ops, metadataPath, password, dests)
		if err != nil {
			return err
		}
		data, err := ops.read(fs, entries)
		if err != nil {
			return err
		}
		return writeOutput(c.String("outfile"), data)

	case c.Bool("clear"):
		entries, err := loadSidecarEntriesForDestinations(fs, ops, metadataPath, password, dests)
		if err != nil {
			return err
		}
		return ops.clear(fs, entries)

	default:
		return fmt.Errorf("expected one of --write, --read, or --clear")
	}
}

func readPayload(filePath string) ([]byte, error) {
	if filePath == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(filePath)
}

func writeOutput(outPath string, data []byte) error {
	if outPath == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}

func appendSidecarEntries(metadataPath, password string, entries []sidecar.Entry) error {
	sc := &sidecar.Sidecar{}
	if existing, err := os.Open(metadataPath); err == nil {
		loaded, readErr := sidecar.Read(existing, password)
		existing.Close()
		if readErr == nil {
			sc = loaded
		}
	}
	for _, entry := range entries {
		sc.Add(entry)
	}

	out, err := os.Create(metadataPath)
	if err != nil {
		return err
	}
	defer out.Close()
	return sidecar.Write(out, sc, password)
}

// loadSidecarEntriesForDestinations re-expands dests the same way write
// did and returns every sidecar entry recorded against one of the
// resulting cover paths, in the order they were written.
func loadSidecarEntriesForDestinations(fs *fat.FileSystem, ops hidingOps, metadataPath, password string, dests []string) ([]sidecar.Entry, error) {
	f, err := os.Open(metadataPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc, err := sidecar.Read(f, password)
	if err != nil {
		return nil, err
	}

	files, err := ops.expand(fs, dests)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(files))
	for _, path := range files {
		wanted[path] = true
	}

	var entries []sidecar.Entry
	for _, e := range sc.Entries {
		if wanted[e.CoverPath] {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no sidecar entries found for %v", dests)
	}
	return entries, nil
}

var metadataCommand = &cli.Command{
	Name:      "metadata",
	Usage:     "print the hidden-fragment entries recorded in a sidecar file",
	ArgsUsage: "METADATA_FILE",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "password", Usage: "decrypt the sidecar with this passphrase"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("metadata requires exactly one argument")
		}
		f, err := os.Open(c.Args().First())
		if err != nil {
			return err
		}
		defer f.Close()

		sc, err := sidecar.Read(f, c.String("password"))
		if err != nil {
			return err
		}

		for i, e := range sc.Entries {
			fmt.Printf("[%d] technique=%s cover=%s clusters=%v offset=%d length=%d\n",
				i, e.Technique, e.CoverPath, e.Clusters, e.OffsetInFirst, e.LengthTotal)
		}
		return nil
	},
}
