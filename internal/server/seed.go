package server

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
)

// Seed is the fixed set of accounts and groups the backend serves
type Seed struct {
	Users  []SeedUser  `yaml:"users"`
	Groups []SeedGroup `yaml:"groups"`
}

type SeedUser struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Avatar   string `yaml:"avatar"`
}

// SeedGroup lists its members by username
type SeedGroup struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Avatar  string   `yaml:"avatar"`
	Members []string `yaml:"members"`
}

// DefaultSeed is used when no seed file is configured
func DefaultSeed() Seed {
	return Seed{
		Users: []SeedUser{
			{ID: "u-alice", Username: "alice", Password: "alice-pw", Name: "Alice"},
			{ID: "u-bob", Username: "bob", Password: "bob-pw", Name: "Bob"},
			{ID: "u-carol", Username: "carol", Password: "carol-pw", Name: "Carol"},
		},
		Groups: []SeedGroup{
			{ID: "general", Name: "General", Members: []string{"alice", "bob", "carol"}},
			{ID: "project", Name: "Project", Members: []string{"alice", "bob"}},
		},
	}
}

// LoadSeed reads a seed file. An empty path returns DefaultSeed.
func LoadSeed(path string) (Seed, error) {
	if path == "" {
		return DefaultSeed(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, errors.Wrap(err, "read seed")
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, errors.Wrap(err, "parse seed")
	}
	return seed, seed.Validate()
}

// Validate checks that ids are unique and that every member exists
func (s Seed) Validate() error {
	users := make(map[string]bool, len(s.Users))
	ids := make(map[string]bool, len(s.Users))
	for _, u := range s.Users {
		if u.ID == "" || u.Username == "" {
			return errors.Newf("seed user %q: id and username are required", u.Username)
		}
		if users[u.Username] || ids[u.ID] {
			return errors.Newf("seed user %q is defined twice", u.Username)
		}
		users[u.Username] = true
		ids[u.ID] = true
	}

	groups := make(map[string]bool, len(s.Groups))
	for _, g := range s.Groups {
		if g.ID == "" {
			return errors.New("seed group without id")
		}
		if groups[g.ID] {
			return errors.Newf("seed group %q is defined twice", g.ID)
		}
		groups[g.ID] = true
		for _, m := range g.Members {
			if !users[m] {
				return errors.Newf("seed group %q: unknown member %q", g.ID, m)
			}
		}
	}
	return nil
}
