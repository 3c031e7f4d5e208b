package main

import (
	"flag"
	"log"
	"os"

	"github.com/spf13/viper"

	"github.com/assohub/backend/internal/database"
	"github.com/assohub/backend/internal/services"
)

// reconcile recomputes every wallet balance from the ledger and
// compares it against the stored balance. Exits 1 when any wallet
// diverges, so the command can gate deployments and cron alerts.
func main() {
	csvPath := flag.String("csv", "", "also write the report as CSV to this path")
	costCenter := flag.Int64("cost-center", 0, "restrict the report to one cost center's wallets")
	flag.Parse()

	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	db := database.InitDatabase()
	defer db.Close()

	service := services.NewReconciliationService(db)
	report, err := service.Report(*costCenter)
	if err != nil {
		log.Fatalf("Reconciliation failed: %v", err)
	}

	if err := services.WriteTable(os.Stdout, report); err != nil {
		log.Fatalf("Failed to print report: %v", err)
	}

	if *csvPath != "" {
		file, err := os.Create(*csvPath)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", *csvPath, err)
		}
		if err := services.WriteReportCSV(file, report); err != nil {
			file.Close()
			log.Fatalf("Failed to write %s: %v", *csvPath, err)
		}
		if err := file.Close(); err != nil {
			log.Fatalf("Failed to close %s: %v", *csvPath, err)
		}
		log.Printf("Report written to %s", *csvPath)
	}

	if services.Divergent(report) {
		log.Printf("Reconciliation found divergent wallets")
		os.Exit(1)
	}
	log.Printf("All %d wallets reconciled", len(report))
}
