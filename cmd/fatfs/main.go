package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/block"
	"github.com/dargueta/fatfs/disks"
	"github.com/dargueta/fatfs/volume"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Usage: "Inspect and modify FAT disk images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "path to the disk image",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "partition",
				Usage: "primary partition index (0-3)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "info",
				Usage:  "Print the volume geometry and free space",
				Action: runInfo,
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "PATH",
				Action:    runLs,
			},
			{
				Name:      "cat",
				Usage:     "Copy a file's contents to stdout",
				ArgsUsage: "PATH",
				Action:    runCat,
			},
			{
				Name:      "import",
				Usage:     "Copy a host file into the image",
				ArgsUsage: "HOST_FILE  IMAGE_PATH",
				Action:    runImport,
			},
			{
				Name:      "export",
				Usage:     "Copy a file out of the image to a host path",
				ArgsUsage: "IMAGE_PATH  HOST_FILE",
				Action:    runExport,
			},
			{
				Name:      "rm",
				Usage:     "Delete a file",
				ArgsUsage: "PATH",
				Action:    runRm,
			},
			{
				Name:      "rmdir",
				Usage:     "Delete an empty directory",
				ArgsUsage: "PATH",
				Action:    runRmdir,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				ArgsUsage: "PATH",
				Action:    runMkdir,
			},
			{
				Name:      "mkfs",
				Usage:     "Create and format a fresh image",
				ArgsUsage: "LAYOUT_SLUG",
				Action:    runMkfs,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "label", Usage: "volume label (up to 11 chars)"},
				},
			},
			{
				Name:   "fsck",
				Usage:  "Run a consistency check",
				Action: runFsck,
			},
			{
				Name:   "layouts",
				Usage:  "List the predefined mkfs layouts",
				Action: runLayouts,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// openVolume mounts the image named by the global flags. The caller must
// invoke the returned closer, which unmounts and closes the file.
func openVolume(context *cli.Context) (*volume.Volume, func() error, error) {
	imagePath := context.String("image")

	handle, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}

	stat, err := handle.Stat()
	if err != nil {
		handle.Close()
		return nil, nil, err
	}

	device := block.NewStreamDevice(handle, 512, uint32(stat.Size()/512))
	vol, err := volume.Mount(device, context.Int("partition"), fatfs.Config{})
	if err != nil {
		handle.Close()
		return nil, nil, err
	}

	closer := func() error {
		unmountErr := vol.Unmount()
		closeErr := handle.Close()
		if unmountErr != nil {
			return unmountErr
		}
		return closeErr
	}
	return vol, closer, nil
}

func runInfo(context *cli.Context) error {
	vol, closer, err := openVolume(context)
	if err != nil {
		return err
	}
	defer closer()

	geo := vol.Geometry()
	fmt.Printf("type:                %s\n", geo.Type)
	fmt.Printf("bytes per sector:    %d\n", geo.BytesPerSector)
	fmt.Printf("sectors per cluster: %d\n", geo.SectorsPerCluster)
	fmt.Printf("total clusters:      %d\n", geo.TotalClusters)
	fmt.Printf("FAT copies:          %d x %d sectors\n", geo.NumFATs, geo.SectorsPerFAT)
	fmt.Printf("free space:          %d bytes (%d clusters)\n", vol.FreeSpace(), vol.FreeClusters())
	return nil
}

func runLs(context *cli.Context) error {
	vol, closer, err := openVolume(context)
	if err != nil {
		return err
	}
	defer closer()

	path := context.Args().Get(0)
	if path == "" {
		path = "/"
	}

	entries, err := vol.ReadDir(path)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		kind := " "
		if ent.IsDir() {
			kind = "d"
		}
		fmt.Printf("%s %10d  %s  %s\n", kind, ent.Size, ent.WriteTime.Format("2006-01-02 15:04"), ent.Name)
	}
	return nil
}

func runCat(context *cli.Context) error {
	vol, closer, err := openVolume(context)
	if err != nil {
		return err
	}
	defer closer()

	file, err := vol.OpenFile(context.Args().Get(0), volume.ModeRead)
	if err != nil {
		return err
	}
	defer file.Close()

	buffer := make([]byte, 64*1024)
	for {
		n, err := file.Read(buffer)
		if n > 0 {
			os.Stdout.Write(buffer[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func runImport(context *cli.Context) error {
	hostPath := context.Args().Get(0)
	imagePath := context.Args().Get(1)

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}

	vol, closer, err := openVolume(context)
	if err != nil {
		return err
	}
	defer closer()

	file, err := vol.OpenFile(imagePath, volume.ModeWrite)
	if err != nil {
		return err
	}

	_, err = file.Write(data)
	if err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func runExport(context *cli.Context) error {
	vol, closer, err := openVolume(context)
	if err != nil {
		return err
	}
	defer closer()

	file, err := vol.OpenFile(context.Args().Get(0), volume.ModeRead)
	if err != nil {
		return err
	}
	defer file.Close()

	data := make([]byte, file.Size())
	_, err = file.Read(data)
	if err != nil && err != io.EOF {
		return err
	}
	return os.WriteFile(context.Args().Get(1), data, 0o644)
}

func runRm(context *cli.Context) error {
	vol, closer, err := openVolume(context)
	if err != nil {
		return err
	}
	defer closer()
	return vol.Remove(context.Args().Get(0))
}

func runRmdir(context *cli.Context) error {
	vol, closer, err := openVolume(context)
	if err != nil {
		return err
	}
	defer closer()
	return vol.RemoveDirectory(context.Args().Get(0))
}

func runMkdir(context *cli.Context) error {
	vol, closer, err := openVolume(context)
	if err != nil {
		return err
	}
	defer closer()
	return vol.Mkdir(context.Args().Get(0))
}

func runMkfs(context *cli.Context) error {
	slug := context.Args().Get(0)
	layout, err := disks.Get(slug)
	if err != nil {
		return err
	}

	imagePath := context.String("image")
	handle, err := os.OpenFile(imagePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer handle.Close()

	err = handle.Truncate(layout.TotalSizeBytes())
	if err != nil {
		return err
	}

	device := block.NewStreamDevice(handle, 512, layout.TotalSectors)
	return volume.Format(device, volume.FormatOptions{
		Layout: layout,
		Label:  strings.ToUpper(context.String("label")),
	})
}

func runFsck(context *cli.Context) error {
	vol, closer, err := openVolume(context)
	if err != nil {
		return err
	}
	defer closer()

	report, err := vol.Check()
	fmt.Printf("files:         %d\n", report.Files)
	fmt.Printf("directories:   %d\n", report.Directories)
	fmt.Printf("used clusters: %d\n", report.UsedClusters)
	fmt.Printf("free clusters: %d\n", report.FreeClusters)
	fmt.Printf("lost clusters: %d\n", report.LostClusters)
	return err
}

func runLayouts(context *cli.Context) error {
	for _, slug := range disks.Slugs() {
		layout, err := disks.Get(slug)
		if err != nil {
			return err
		}
		fmt.Printf(
			"%-20s FAT%-2d  %8d sectors  %d sectors/cluster  %s\n",
			layout.Slug, layout.FATType, layout.TotalSectors,
			layout.SectorsPerCluster, layout.Name,
		)
	}
	return nil
}
