package downstream

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

type Users struct {
	mu  sync.RWMutex
	ids map[string]bool
}

func NewUsers(ids ...string) *Users {
	u := &Users{ids: map[string]bool{}}
	for _, id := range ids {
		u.ids[id] = true
	}
	return u
}

func (u *Users) Add(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ids[id] = true
}

func (u *Users) Mount(r chi.Router) {
	r.Get("/users/{id}", u.getUser)
}

func (u *Users) getUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u.mu.RLock()
	ok := u.ids[id]
	u.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: map[string]string{"id": id}})
}
