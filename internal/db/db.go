package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/chatrelay/chatrelay/internal/chat"
)

// Connect opens the local record store and migrates the schema. A store
// that cannot be reached at startup is fatal; the process must not serve
// traffic without it.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := gdb.AutoMigrate(&chat.Record{}); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}
