package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mappings are the static lookup tables used to turn external evidence into
// category names. Every table may be overridden from a YAML file.
type Mappings struct {
	// BusinessTypes maps a merchant business type to a category name.
	BusinessTypes map[string]string `yaml:"business_types"`
	// CategoryHints maps a normalized item hint to category-name fragments.
	CategoryHints map[string][]string `yaml:"category_hints"`
	// ItemKeywords maps a keyword in an item description to category-name fragments.
	ItemKeywords map[string][]string `yaml:"item_keywords"`
	// MerchantSenders maps a merchant key to the sender domains of its receipts.
	MerchantSenders map[string][]string `yaml:"merchant_senders"`
}

// DefaultMappings returns the built-in tables.
func DefaultMappings() Mappings {
	return Mappings{
		BusinessTypes: map[string]string{
			"supermarket":    "Groceries",
			"grocery":        "Groceries",
			"restaurant":     "Eating Out",
			"cafe":           "Eating Out",
			"fast_food":      "Eating Out",
			"fuel_station":   "Fuel",
			"pharmacy":       "Health",
			"utility":        "Utilities",
			"telecom":        "Utilities",
			"streaming":      "Subscriptions",
			"software":       "Subscriptions",
			"airline":        "Travel",
			"hotel":          "Travel",
			"public_transit": "Transport",
			"electronics":    "Electronics",
			"bookstore":      "Books",
			"clothing":       "Clothing",
			"department":     "Shopping",
			"marketplace":    "Shopping",
		},
		CategoryHints: map[string][]string{
			"electronics":      {"electronics", "tech", "computer", "phone", "gadget"},
			"books":            {"books", "reading", "literature", "education"},
			"clothing":         {"clothing", "apparel", "fashion", "wear"},
			"home & garden":    {"home", "garden", "furniture", "decor", "household"},
			"toys & games":     {"toys", "games", "play", "children"},
			"beauty":           {"beauty", "cosmetics", "personal care", "skincare"},
			"sports":           {"sports", "fitness", "outdoor", "exercise"},
			"food & groceries": {"food", "groceries", "grocery", "supermarket"},
			"office supplies":  {"office", "stationery", "supplies"},
			"pet supplies":     {"pet", "animal"},
		},
		ItemKeywords: map[string][]string{
			"book":     {"books"},
			"cable":    {"electronics"},
			"charger":  {"electronics"},
			"phone":    {"electronics"},
			"laptop":   {"electronics", "computer"},
			"keyboard": {"electronics", "computer"},
			"mouse":    {"electronics", "computer"},
			"shirt":    {"clothing"},
			"pants":    {"clothing"},
			"shoes":    {"clothing", "footwear"},
			"toy":      {"toys"},
			"game":     {"toys", "games"},
		},
		MerchantSenders: map[string][]string{
			"amazon":     {"amazon.co.uk", "amazon.com", "amazon.de", "amazon.es"},
			"allegro":    {"allegro.pl"},
			"aliexpress": {"aliexpress.com"},
			"ebay":       {"ebay.co.uk", "ebay.com"},
			"tesco":      {"tesco.com"},
			"sainsbury":  {"sainsburys.co.uk"},
			"argos":      {"argos.co.uk"},
			"john lewis": {"johnlewis.com"},
			"currys":     {"currys.co.uk"},
		},
	}
}

// LoadMappings reads a YAML mapping file and overlays it on the defaults.
// Tables present in the file replace the corresponding default table.
func LoadMappings(path string) (Mappings, error) {
	m := DefaultMappings()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(resolvePath(path, "")) // #nosec G304
	if err != nil {
		return m, fmt.Errorf("failed to read mappings file: %w", err)
	}

	var overlay Mappings
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return m, fmt.Errorf("failed to parse mappings file: %w", err)
	}

	if overlay.BusinessTypes != nil {
		m.BusinessTypes = overlay.BusinessTypes
	}
	if overlay.CategoryHints != nil {
		m.CategoryHints = overlay.CategoryHints
	}
	if overlay.ItemKeywords != nil {
		m.ItemKeywords = overlay.ItemKeywords
	}
	if overlay.MerchantSenders != nil {
		m.MerchantSenders = overlay.MerchantSenders
	}
	return m, nil
}
