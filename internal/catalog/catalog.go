// Package catalog loads the service catalog: categories of named services
// with a list price. Lookups are case-insensitive.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrServiceNotFound = errors.New("service not found")

// Service is one bookable item.
type Service struct {
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
}

// Category groups services for display.
type Category struct {
	Name  string    `json:"category"`
	Items []Service `json:"items"`
}

type fileFormat struct {
	Business string `yaml:"business"`
	Services []struct {
		Category string `yaml:"category"`
		Items    []struct {
			Name  string `yaml:"name"`
			Price string `yaml:"price"`
		} `yaml:"items"`
	} `yaml:"services"`
}

// Catalog is immutable after load and safe for concurrent use.
type Catalog struct {
	business   string
	categories []Category
	byName     map[string]Service
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML catalog. Duplicate names, empty names and
// non-positive prices are errors.
func Parse(r io.Reader) (*Catalog, error) {
	var raw fileFormat
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	c := &Catalog{business: raw.Business, byName: make(map[string]Service)}
	for _, cat := range raw.Services {
		group := Category{Name: cat.Category}
		for _, item := range cat.Items {
			name := strings.TrimSpace(item.Name)
			if name == "" {
				return nil, fmt.Errorf("catalog: empty service name in %q", cat.Category)
			}
			price, err := decimal.NewFromString(strings.TrimSpace(item.Price))
			if err != nil || !price.IsPositive() {
				return nil, fmt.Errorf("catalog: invalid price %q for %q", item.Price, name)
			}
			key := strings.ToLower(name)
			if _, dup := c.byName[key]; dup {
				return nil, fmt.Errorf("catalog: duplicate service %q", name)
			}
			svc := Service{Name: name, Category: cat.Category, Price: price}
			c.byName[key] = svc
			group.Items = append(group.Items, svc)
		}
		c.categories = append(c.categories, group)
	}
	return c, nil
}

// Business is the display name of the business, if configured.
func (c *Catalog) Business() string { return c.business }

// Lookup finds a service by name, ignoring case and surrounding space.
func (c *Catalog) Lookup(name string) (Service, error) {
	svc, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Service{}, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}
	return svc, nil
}

// Categories returns the catalog in file order.
func (c *Catalog) Categories() []Category {
	out := make([]Category, len(c.categories))
	for i, cat := range c.categories {
		out[i] = Category{Name: cat.Name, Items: append([]Service(nil), cat.Items...)}
	}
	return out
}

// Names returns every service name, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for _, svc := range c.byName {
		names = append(names, svc.Name)
	}
	sort.Strings(names)
	return names
}
