package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/substratedb/substrate/core/engine"
	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
	"github.com/substratedb/substrate/router"
	"github.com/substratedb/substrate/sqlite"
)

const (
	dbFileName = "user.db"
	userDDL    = `
	CREATE TABLE users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT    NOT NULL,
		email      TEXT    NOT NULL UNIQUE,
		age        INTEGER,
		is_active  INTEGER NOT NULL DEFAULT 1,
		deleted_at TIMESTAMP
	);`
)

func userModel() *model.Model {
	return &model.Model{
		Table:      "users",
		PrimaryKey: "id",
		Fields: map[string]model.Field{
			"id":         {Name: "id", Type: model.FieldTypeInteger},
			"name":       {Name: "name", Type: model.FieldTypeString},
			"email":      {Name: "email", Type: model.FieldTypeString},
			"age":        {Name: "age", Type: model.FieldTypeInteger},
			"is_active":  {Name: "is_active", Type: model.FieldTypeBoolean},
			"deleted_at": {Name: "deleted_at", Type: model.FieldTypeTime},
		},
		SoftDelete: &model.SoftDeleteSpec{Column: "deleted_at"},
	}
}

func printUsers(rows []model.Record) {
	fmt.Println("-------------------------------------------------------------------")
	fmt.Printf("%-10s %-20s %-25s %-5s %-10s\n", "ID", "Name", "Email", "Age", "Active")
	fmt.Println("-------------------------------------------------------------------")
	for _, row := range rows {
		fmt.Printf("%-10d %-20s %-25s %-5d %-10t\n",
			row["id"].(int64), row["name"].(string), row["email"].(string),
			row["age"].(int64), row["is_active"].(bool))
	}
	fmt.Println("-------------------------------------------------------------------")
}

func main() {
	ctx := context.Background()

	// Remove the database file if it already exists to start fresh
	if err := os.Remove(dbFileName); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to remove existing database file %s: %v", dbFileName, err)
	}
	fmt.Printf("Starting fresh: removed existing %s (if any).\n", dbFileName)

	db, err := sql.Open("sqlite3", dbFileName)
	if err != nil {
		log.Fatalf("Failed to open database connection: %v", err)
	}
	defer func() {
		if cErr := db.Close(); cErr != nil {
			log.Printf("Error closing database connection: %v", cErr)
		}
		fmt.Println("Database connection closed.")
	}()

	if _, err := db.Exec(userDDL); err != nil {
		log.Fatalf("Failed to create 'users' table: %v", err)
	}
	fmt.Println("'users' table created successfully.")

	rt := router.NewSingle(db, nil, nil)
	eng := engine.New(sqlite.NewInteractor(nil), nil)

	users, err := eng.Collection(userModel())
	if err != nil {
		log.Fatalf("Failed to bind 'users' collection: %v", err)
	}
	fmt.Println("Initialized engine.")

	users.Subscribe(engine.EventCreateSuccess, func(ctx context.Context, event engine.MutationEvent) error {
		fmt.Printf("Record added to '%s' in %s\n", event.Table, event.Duration)
		return nil
	})
	users.Subscribe(engine.EventUpdateSuccess, func(ctx context.Context, event engine.MutationEvent) error {
		fmt.Printf("Records updated on '%s' in %s\n", event.Table, event.Duration)
		return nil
	})

	fmt.Println("Inserting sample data...")
	_, err = users.Create(ctx, rt.Write(), model.Record{
		"name":      "Alice Smith",
		"email":     "alice@example.com",
		"age":       30,
		"is_active": true,
	})
	if err != nil {
		log.Fatalf("Failed to insert Alice 1: %v", err)
	}

	_, err = users.BulkCreate(ctx, rt.Write(), []model.Record{
		{"name": "Alice Smith", "email": "alice2@example.com", "age": 27, "is_active": true},
		{"name": "Alice Smith", "email": "alice3@example.com", "age": 28, "is_active": false},
	})
	if err != nil {
		log.Fatalf("Failed to insert batch: %v", err)
	}
	fmt.Println("Sample data inserted successfully.")

	// Soft-delete the youngest Alice; the default scope hides her from reads.
	if _, err := users.Query().Filter(query.Args{"age__lt": 28}).SoftDelete(ctx, rt.Write()); err != nil {
		log.Fatalf("Failed to soft-delete: %v", err)
	}

	if _, err := users.Query().Filter(query.Args{"age": 28}).Update(ctx, rt.Write(), model.Record{
		"name": "Alex Smith",
	}); err != nil {
		log.Fatalf("Failed to update to Alex: %v", err)
	}

	fmt.Println("\nQuerying data from 'users' table:")
	rows, err := users.Query().OrderBy("id").All(ctx, rt.Read())
	if err != nil {
		log.Fatalf("Failed to read database: %v", err)
	}
	printUsers(rows)

	total, err := users.Query().IncludeDeleted().Count(ctx, rt.Read())
	if err != nil {
		log.Fatalf("Failed to count rows: %v", err)
	}
	fmt.Printf("Rows including soft-deleted: %d\n", total)

	stats, err := users.Query().Aggregate(ctx, rt.Read(), engine.Avg("age", "mean_age"))
	if err != nil {
		log.Fatalf("Failed to aggregate: %v", err)
	}
	fmt.Printf("Mean age of visible users: %v\n", stats["mean_age"])

	err = eng.WithTransaction(ctx, rt.Write(), func(tx *engine.Engine) error {
		txUsers, err := tx.Collection(userModel())
		if err != nil {
			return err
		}
		if _, err := txUsers.Create(ctx, rt.Write(), model.Record{
			"name": "Bob Jones", "email": "bob@example.com", "age": 41, "is_active": true,
		}); err != nil {
			return err
		}
		rows, err := txUsers.Query().OrderBy("id").All(ctx, rt.Write())
		if err != nil {
			return err
		}
		fmt.Println("\nInside the transaction:")
		printUsers(rows)
		return nil
	})
	if err != nil {
		log.Fatalf("Transaction failed: %v", err)
	}

	fmt.Printf("\nDatabase created successfully at: %s\n", dbFileName)
	fmt.Println("You can inspect this database file using the 'sqlite3' command-line tool:")
	fmt.Printf("1. Run: sqlite3 %s\n", dbFileName)
	fmt.Printf("2. Inside the sqlite3 prompt: SELECT * FROM users;\n")
}
