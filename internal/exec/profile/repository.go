package profile

import (
	appErr "codedock/pkg/errors"
)

// Repository resolves language profiles.
type Repository interface {
	Get(language string) (Profile, error)
	List() []Profile
}

// LocalRepository serves profiles from memory: the built-in table with
// optional yaml overrides merged over it.
type LocalRepository struct {
	profiles map[string]Profile
	order    []string
}

// NewLocalRepository builds a repository from the defaults plus overrides.
// An override with a known language replaces the built-in entry; an override
// with a new language extends the table.
func NewLocalRepository(overrides []Profile) *LocalRepository {
	repo := &LocalRepository{profiles: make(map[string]Profile)}
	for _, p := range Defaults() {
		repo.put(p)
	}
	for _, p := range overrides {
		if p.Language == "" {
			continue
		}
		repo.put(p)
	}
	return repo
}

func (r *LocalRepository) put(p Profile) {
	if _, ok := r.profiles[p.Language]; !ok {
		r.order = append(r.order, p.Language)
	}
	r.profiles[p.Language] = p
}

// Get returns the profile for one language.
func (r *LocalRepository) Get(language string) (Profile, error) {
	if language == "" {
		return Profile{}, appErr.ValidationError("language", "required")
	}
	p, ok := r.profiles[language]
	if !ok {
		return Profile{}, appErr.UnsupportedLanguage(language)
	}
	return p, nil
}

// List returns all profiles in registration order.
func (r *LocalRepository) List() []Profile {
	out := make([]Profile, 0, len(r.order))
	for _, lang := range r.order {
		out = append(out, r.profiles[lang])
	}
	return out
}
