package models

import (
	"log"

	"github.com/mmdatafocus/stockflow_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&ProductCodeLink{},
		&StockMovement{}, &RealTimeBalance{},
		&ProjectedMovement{},
		&BacklogLine{}, &ProvisionalAllocation{}, &ConfirmedAllocation{},
		&ScheduledProduction{},
		&ReconcileHistory{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
