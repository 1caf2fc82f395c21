package volume

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/bootrecord"
	"github.com/hashicorp/go-multierror"
)

// CheckReport summarises a consistency pass over the volume.
type CheckReport struct {
	TotalClusters uint32
	FreeClusters  uint32
	UsedClusters  uint32
	LostClusters  uint32
	Files         uint32
	Directories   uint32
}

// Check walks every directory on the volume, follows every cluster chain,
// and reconciles the result against the FAT: every allocated cluster must be
// reachable exactly once, every chain must terminate, and the accounting
// identity used + free = total must hold. Structural findings are aggregated
// into the returned error; the report is valid either way.
func (volume *Volume) Check() (*CheckReport, error) {
	geo := volume.geo
	report := &CheckReport{TotalClusters: geo.TotalClusters}

	reachable := bitmap.New(int(geo.TotalClusters) + 2)
	var problems *multierror.Error

	markChain := func(first fatfs.Cluster, what string) uint32 {
		length := uint32(0)
		current := first
		for {
			if !geo.IsValidCluster(current) {
				problems = multierror.Append(problems, fatfs.ErrCorrupted.WithMessage(
					fmt.Sprintf("%s: chain reaches invalid cluster %#x", what, uint32(current)),
				))
				return length
			}
			if reachable.Get(int(current)) {
				problems = multierror.Append(problems, fatfs.ErrCorrupted.WithMessage(
					fmt.Sprintf("%s: cluster %d is cross-linked", what, current),
				))
				return length
			}
			reachable.Set(int(current), true)
			length++

			next, err := volume.table.Entry(current)
			if err != nil {
				problems = multierror.Append(problems, err)
				return length
			}
			if next == 0 {
				problems = multierror.Append(problems, fatfs.ErrCorrupted.WithMessage(
					fmt.Sprintf("%s: chain through cluster %d ends on a free entry", what, current),
				))
				return length
			}
			if geo.IsEOC(next) {
				return length
			}
			if length > geo.TotalClusters {
				problems = multierror.Append(problems, fatfs.ErrCorrupted.WithMessage(
					fmt.Sprintf("%s: chain never terminates; cycle suspected", what),
				))
				return length
			}
			current = next
		}
	}

	// The FAT32 root directory is itself a chain.
	if geo.Type == bootrecord.FAT32 {
		markChain(geo.RootCluster, "/")
	}

	type pendingDir struct {
		cluster fatfs.Cluster
		path    string
	}
	stack := []pendingDir{{cluster: volume.rootDirCluster(), path: "/"}}

	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := volume.listDir(dir.cluster)
		if err != nil {
			problems = multierror.Append(problems, err)
			continue
		}

		for _, ent := range entries {
			if ent.Name == "." || ent.Name == ".." {
				continue
			}
			path := dir.path + ent.Name

			if ent.IsDir() {
				report.Directories++
				markChain(ent.FirstCluster, path)
				stack = append(stack, pendingDir{cluster: ent.FirstCluster, path: path + "/"})
				continue
			}

			report.Files++
			if ent.FirstCluster == 0 {
				if ent.Size != 0 {
					problems = multierror.Append(problems, fatfs.ErrCorrupted.WithMessage(
						fmt.Sprintf("%s: %d bytes recorded but no clusters allocated", path, ent.Size),
					))
				}
				continue
			}

			length := markChain(ent.FirstCluster, path)
			if uint64(length)*uint64(geo.BytesPerCluster) < uint64(ent.Size) {
				problems = multierror.Append(problems, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
					"%s: %d clusters cannot hold %d bytes", path, length, ent.Size,
				)))
			}
		}
	}

	// Reconcile against the FAT itself.
	for c := uint32(2); c < geo.TotalClusters+2; c++ {
		value, err := volume.table.Entry(fatfs.Cluster(c))
		if err != nil {
			return report, multierror.Append(problems, err).ErrorOrNil()
		}

		switch {
		case value == 0:
			report.FreeClusters++
			if reachable.Get(int(c)) {
				problems = multierror.Append(problems, fatfs.ErrCorrupted.WithMessage(
					fmt.Sprintf("cluster %d is reachable but marked free", c),
				))
			}
		case reachable.Get(int(c)):
			report.UsedClusters++
		default:
			report.LostClusters++
		}
	}

	if report.LostClusters > 0 {
		problems = multierror.Append(problems, fatfs.ErrCorrupted.WithMessage(
			fmt.Sprintf("%d allocated clusters are unreachable", report.LostClusters),
		))
	}

	if live := volume.table.FreeClusters(); live != report.FreeClusters {
		problems = multierror.Append(problems, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"live free count %d disagrees with FAT scan %d", live, report.FreeClusters,
		)))
	}

	return report, problems.ErrorOrNil()
}
