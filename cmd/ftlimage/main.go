// Command ftlimage drives the FTL core over a simulated NAND chip: it
// mounts (formatting, since a simulated chip always starts erased), runs a
// scripted sector workload, flushes, and prints the resulting statistics.
// A raw-NAND FTL has no host-side image file to seed, so Media.Init
// discovers the erased state on its own instead of this command writing one.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"nandftl/internal/config"
	"nandftl/internal/drive"
	"nandftl/internal/hal"
	"nandftl/internal/media"
	"nandftl/internal/simhal"
	"nandftl/internal/stats"
)

var (
	app = kingpin.New("ftlimage", "Exercise the NAND FTL core against a simulated chip.")

	configPath = app.Flag("config", "Path to a TOML config file; built-in defaults are used when omitted.").String()
	seed       = app.Flag("seed", "Simulated chip and workload PRNG seed.").Default("1").Int64()
	verbose    = app.Flag("verbose", "Enable debug-level logging.").Bool()

	chipsFlag    = app.Flag("chips", "Chip-select count.").Default("1").Int()
	dicesFlag    = app.Flag("dice", "Dice per chip.").Default("1").Int()
	planesFlag   = app.Flag("planes", "Planes per die (1 or 2).").Default("2").Int()
	blocksFlag   = app.Flag("blocks", "Blocks per chip.").Default("256").Int()
	pagesFlag    = app.Flag("pages", "Pages per block.").Default("64").Int()
	pageSize     = app.Flag("page-size", "User data bytes per page.").Default("2048").Int()
	badPercent   = app.Flag("max-bad-percent", "Maximum expected factory-bad block percentage.").Default("2").Int()
	sectorCount  = app.Flag("sectors", "Logical sector count the DataDrive exposes; 0 derives a size from geometry.").Default("0").Int()
	writeSectors = app.Flag("write", "Number of scripted sector writes to perform.").Default("4096").Int()
	hotPercent   = app.Flag("hot-fraction", "Percentage of writes directed at a small hot set.").Default("20").Int()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("load config")
		}
		cfg = loaded
	}
	cfg.AllocatorSeed = *seed

	geom := hal.Geometry{
		PageDataSize:       *pageSize,
		PagesPerBlock:      *pagesFlag,
		PlanesPerDie:       *planesFlag,
		DicePerChip:        *dicesFlag,
		ChipCount:          *chipsFlag,
		BlocksPerChip:      *blocksFlag,
		MaxBadBlockPercent: *badPercent,
	}

	chip := simhal.New(geom, *seed)

	m := media.New(chip, cfg, log)
	if err := m.Init(); err != nil {
		log.WithError(err).Fatal("init media")
	}

	sectors := *sectorCount
	if sectors == 0 {
		sectors = deriveSectorCount(m, geom)
	}

	d := drive.New(m, sectors)

	if err := runWorkload(d, sectors, geom.PageDataSize, *writeSectors, *hotPercent, *seed); err != nil {
		log.WithError(err).Fatal("workload")
	}

	if err := d.Flush(); err != nil {
		log.WithError(err).Fatal("flush")
	}

	printStats(m.Stats())
}

func deriveSectorCount(m *media.Media, geom hal.Geometry) int {
	planes := geom.PlanesPerBlockGroup()
	if planes < 1 {
		planes = 1
	}
	reserved := m.Mapper().ReservedRange()
	dataBlocks := geom.TotalBlocks() - reserved.High
	if dataBlocks < planes {
		dataBlocks = planes
	}
	return (dataBlocks / planes) * planes * geom.PagesPerBlock
}

// runWorkload writes a mix of sequential and hot-sector writes, then reads
// every written sector back to confirm it round-trips.
func runWorkload(d *drive.DataDrive, sectors, pageSize, writes, hotPercent int, seed int64) error {
	if sectors == 0 || writes == 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(seed + 1))

	hotSetSize := 64
	if hotSetSize > sectors {
		hotSetSize = sectors
	}
	hotSet := make([]int, hotSetSize)
	for i := range hotSet {
		hotSet[i] = rng.Intn(sectors)
	}

	written := make(map[int]byte)
	for i := 0; i < writes; i++ {
		var s int
		if len(hotSet) > 0 && rng.Intn(100) < hotPercent {
			s = hotSet[rng.Intn(len(hotSet))]
		} else {
			s = rng.Intn(sectors)
		}
		val := byte(i)
		if err := d.WriteSector(s, fillByte(val, pageSize)); err != nil {
			return fmt.Errorf("write sector %d: %w", s, err)
		}
		written[s] = val
	}

	check := make([]byte, pageSize)
	for s, val := range written {
		if err := d.ReadSector(s, check); err != nil {
			return fmt.Errorf("read sector %d: %w", s, err)
		}
		if check[0] != val {
			return fmt.Errorf("sector %d: expected %d, got %d", s, val, check[0])
		}
	}
	return nil
}

func fillByte(v byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func printStats(st *stats.Counters) {
	fmt.Printf("merges: short_circuit=%d quick=%d core=%d\n",
		st.MergeCount(stats.MergeShortCircuit), st.MergeCount(stats.MergeQuick), st.MergeCount(stats.MergeCore))
	fmt.Printf("merge averages: short_circuit=%s quick=%s core=%s\n",
		st.MergeAverage(stats.MergeShortCircuit), st.MergeAverage(stats.MergeQuick), st.MergeAverage(stats.MergeCore))
	fmt.Printf("bad blocks: %d\n", st.BadBlocks())
	fmt.Printf("nssm cache: hits=%d misses=%d\n", st.CacheHits(), st.CacheMisses())
}
