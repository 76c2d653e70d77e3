package csvimport

import (
	"context"
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"github.com/kegdisplay/tapsync/frontend"
	"github.com/kegdisplay/tapsync/internal/di"
	"github.com/kegdisplay/tapsync/taplist"
	"github.com/kegdisplay/tapsync/utils"
	"github.com/kegdisplay/tapsync/utils/log"
)

const (
	usage   = "csvimport"
	short   = "Import a beer list from a CSV file"
	long    = "This command imports beers from a CSV file through the replicated commit path, so the imported rows propagate to every display node"
	example = "tapsync tool csvimport --config tapsync.yml --file beers.csv"
)

var (
	// Cmd is the csvimport command.
	Cmd = &cobra.Command{
		Use:     usage,
		Short:   short,
		Long:    long,
		Example: example,
		RunE:    executeImport,
	}
	configFilePath string
	csvFilePath    string
)

// beerRecord maps one CSV row. Column names follow the beers table.
type beerRecord struct {
	Name            string  `csv:"Name"`
	ABV             float64 `csv:"ABV"`
	IBU             float64 `csv:"IBU"`
	Color           float64 `csv:"Color"`
	OriginalGravity float64 `csv:"OriginalGravity"`
	FinalGravity    float64 `csv:"FinalGravity"`
	Description     string  `csv:"Description"`
	Brewed          string  `csv:"Brewed"`
	Kegged          string  `csv:"Kegged"`
	Tapped          string  `csv:"Tapped"`
	Notes           string  `csv:"Notes"`
}

func (r beerRecord) beer() taplist.Beer {
	return taplist.Beer{
		Name:            r.Name,
		ABV:             r.ABV,
		IBU:             r.IBU,
		Color:           r.Color,
		OriginalGravity: r.OriginalGravity,
		FinalGravity:    r.FinalGravity,
		Description:     r.Description,
		Brewed:          r.Brewed,
		Kegged:          r.Kegged,
		Tapped:          r.Tapped,
		Notes:           r.Notes,
	}
}

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", "./tapsync.yml", "path to the tapsync YAML configuration file")
	Cmd.Flags().StringVarP(&csvFilePath, "file", "f", "", "path to the CSV file to import")
	_ = Cmd.MarkFlagRequired("file")
}

func executeImport(cmd *cobra.Command, _ []string) error {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}
	cmd.SilenceUsage = true

	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}

	f, err := os.Open(csvFilePath)
	if err != nil {
		return fmt.Errorf("failed to open csv file: %w", err)
	}
	defer f.Close()

	var records []beerRecord
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return fmt.Errorf("failed to parse csv file: %w", err)
	}

	c := di.NewContainer(config)
	// Imports run offline; commits are picked up by peers on the next sync
	// round, so no coordinator or hub is wired here.
	syncedDB := frontend.NewSyncedDB(c.GetDB(), c.GetChangeLog(), c.GetTapList())

	ctx := context.Background()
	for _, rec := range records {
		if rec.Name == "" {
			log.Warn("skipping csv row without a beer name")
			continue
		}
		id, err := syncedDB.AddBeer(ctx, rec.beer())
		if err != nil {
			return fmt.Errorf("failed to import beer %q: %w", rec.Name, err)
		}
		log.Debug("imported beer %q as id %d", rec.Name, id)
	}

	log.Info("imported %d beers from %s", len(records), csvFilePath)
	return nil
}
