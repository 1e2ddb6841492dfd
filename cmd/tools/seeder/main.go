package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	seedProducts(db)

	log.Println("Seeding completed successfully!")
}

func seedProducts(db *sql.DB) {
	products := []struct {
		Title       string
		Slug        string
		Description string
		Price       int64
	}{
		{"Solar Fridge 200L", "solar-fridge-200l", "200 litre solar-powered chest fridge", 28500},
		{"Gas Cooker 4-Burner", "gas-cooker-4-burner", "Four burner gas cooker with oven", 24000},
		{"Smart TV 43 Inch", "smart-tv-43", "43 inch smart television", 32000},
		{"Sofa Set 5-Seater", "sofa-set-5-seater", "Five seater fabric sofa set", 45000},
		{"Water Pump 1HP", "water-pump-1hp", "1 horsepower borehole water pump", 18000},
		{"Chest Freezer 300L", "chest-freezer-300l", "300 litre chest freezer", 38000},
		{"Motorbike Boda 150cc", "motorbike-boda-150cc", "150cc boda boda motorbike", 145000},
		{"Washing Machine 7KG", "washing-machine-7kg", "7 kilogram top load washing machine", 42000},
		{"Solar Panel Kit 300W", "solar-panel-kit-300w", "300 watt solar panel kit with inverter", 26000},
		{"Double Bed & Mattress", "double-bed-mattress", "Hardwood double bed with 8 inch mattress", 21000},
	}

	fmt.Println("Seeding Products...")
	for _, p := range products {
		_, err := db.Exec(`
			INSERT INTO products (title, slug, description, price, currency, active)
			VALUES ($1, $2, $3, $4, 'KES', true)
			ON CONFLICT (slug) DO UPDATE SET
				title = EXCLUDED.title,
				description = EXCLUDED.description,
				price = EXCLUDED.price;
		`, p.Title, p.Slug, p.Description, p.Price)
		if err != nil {
			log.Fatalf("Failed to seed product %s: %v", p.Slug, err)
		}
	}
	log.Printf("Seeded %d products", len(products))
}
