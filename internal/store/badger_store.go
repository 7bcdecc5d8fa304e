package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("already exists")
	ErrNodeFull   = errors.New("node at capacity")
	ErrInvalidKey = errors.New("invalid identifier")
)

// reserveAttempts bounds retries of a capacity reservation that lost a transaction race.
const reserveAttempts = 8

// Store keeps nodes, templates, mappings, instances and users in Badger as JSON values.
// Per-node instance counters live next to the rows so capacity checks are transactional.
type Store struct {
	db                  *badger.DB
	defaultMaxInstances int
}

func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 24)
	return open(opts)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, defaultMaxInstances: models.DefaultMaxInstances}, nil
}

// SetDefaultMaxInstances sets the limit SaveNode gives nodes saved without one.
func (s *Store) SetDefaultMaxInstances(n int) {
	if n > 0 {
		s.defaultMaxInstances = n
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nodeKey(name string) []byte      { return []byte("node:" + name) }
func templateKey(id string) []byte    { return []byte("template:" + id) }
func mappingPrefix(tid string) []byte { return []byte("mapping:" + tid + ":") }
func instanceKey(id string) []byte    { return []byte("instance:" + id) }
func countKey(node string) []byte     { return []byte("count:" + node) }
func userKey(username string) []byte  { return []byte("user:" + username) }
func mappingKey(tid, node string) []byte {
	return append(mappingPrefix(tid), node...)
}

// checkKey guards key segments. Mapping keys are "mapping:<template>:<node>" and are listed by
// the "mapping:<template>:" prefix, so a ':' inside a template ID would capture another
// template's rows.
func checkKey(kind, id string) error {
	if id == "" || strings.ContainsAny(id, ":\x00") {
		return fmt.Errorf("%s %q: %w", kind, id, ErrInvalidKey)
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func listPrefix[T any](db *badger.DB, prefix []byte) ([]T, error) {
	var out []T
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var v T
			if err := it.Item().Value(func(b []byte) error { return json.Unmarshal(b, &v) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// --- Nodes ---

// SaveNode creates or replaces a node. Unset limits fall back to the store defaults.
func (s *Store) SaveNode(ctx context.Context, n *models.Node) error {
	if err := checkKey("node", n.Name); err != nil {
		return err
	}
	if n.MaxInstances <= 0 {
		n.MaxInstances = s.defaultMaxInstances
	}
	if n.Priority == 0 {
		n.Priority = models.DefaultNodePriority
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, nodeKey(n.Name), n)
	})
}

func (s *Store) GetNode(ctx context.Context, name string) (*models.Node, error) {
	var n models.Node
	if err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, nodeKey(name), &n) }); err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNodes returns all nodes sorted by name.
func (s *Store) ListNodes(ctx context.Context) ([]models.Node, error) {
	nodes, err := listPrefix[models.Node](s.db, []byte("node:"))
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

// DeleteNode removes the node row only. Mappings that reference it stay behind, dormant.
func (s *Store) DeleteNode(ctx context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, nodeKey(name))
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return txn.Delete(nodeKey(name))
	})
}

// --- Templates and mappings ---

func (s *Store) SaveTemplate(ctx context.Context, t *models.Template) error {
	if err := checkKey("template", t.ID); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, templateKey(t.ID), t)
	})
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	if err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, templateKey(id), &t) }); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.Template, error) {
	templates, err := listPrefix[models.Template](s.db, []byte("template:"))
	if err != nil {
		return nil, err
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}

// DeleteTemplate removes a template together with the mappings it owns.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	if err := checkKey("template", id); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, templateKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if err := deletePrefix(txn, mappingPrefix(id)); err != nil {
			return err
		}
		return txn.Delete(templateKey(id))
	})
}

// CreateMapping adds one (template, node) binding. A second mapping for the same pair is ErrConflict.
func (s *Store) CreateMapping(ctx context.Context, m models.TemplateNodeMapping) error {
	if err := checkMappingKey(m.TemplateID, m.NodeName); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, templateKey(m.TemplateID))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("template %q: %w", m.TemplateID, ErrNotFound)
		}
		ok, err = exists(txn, mappingKey(m.TemplateID, m.NodeName))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("mapping %s/%s: %w", m.TemplateID, m.NodeName, ErrConflict)
		}
		return setJSON(txn, mappingKey(m.TemplateID, m.NodeName), m)
	})
}

// ReplaceMappings swaps the full mapping set of a template in one transaction.
func (s *Store) ReplaceMappings(ctx context.Context, templateID string, mappings []models.TemplateNodeMapping) error {
	for _, m := range mappings {
		if err := checkMappingKey(templateID, m.NodeName); err != nil {
			return err
		}
	}
	if err := checkKey("template", templateID); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, templateKey(templateID))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("template %q: %w", templateID, ErrNotFound)
		}
		if err := deletePrefix(txn, mappingPrefix(templateID)); err != nil {
			return err
		}
		seen := make(map[string]bool, len(mappings))
		for _, m := range mappings {
			if seen[m.NodeName] {
				return fmt.Errorf("mapping %s/%s: %w", templateID, m.NodeName, ErrConflict)
			}
			seen[m.NodeName] = true
			m.TemplateID = templateID
			if err := setJSON(txn, mappingKey(templateID, m.NodeName), m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteMapping(ctx context.Context, templateID, nodeName string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, mappingKey(templateID, nodeName))
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return txn.Delete(mappingKey(templateID, nodeName))
	})
}

func checkMappingKey(templateID, node string) error {
	if err := checkKey("template", templateID); err != nil {
		return err
	}
	return checkKey("node", node)
}

// MappingsForTemplate returns the template's mappings ordered by node name.
func (s *Store) MappingsForTemplate(ctx context.Context, templateID string) ([]models.TemplateNodeMapping, error) {
	if err := checkKey("template", templateID); err != nil {
		return nil, err
	}
	return listPrefix[models.TemplateNodeMapping](s.db, mappingPrefix(templateID))
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// --- Instances ---

func readCount(txn *badger.Txn, node string) (int, error) {
	item, err := txn.Get(countKey(node))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	err = item.Value(func(v []byte) error {
		n, err = strconv.Atoi(string(v))
		return err
	})
	return n, err
}

func addCount(txn *badger.Txn, node string, delta int) error {
	n, err := readCount(txn, node)
	if err != nil {
		return err
	}
	n += delta
	if n < 0 {
		n = 0
	}
	return txn.Set(countKey(node), []byte(strconv.Itoa(n)))
}

// ReserveInstance persists inst on its node if the node still has room, or returns ErrNodeFull.
// The check and the write share one transaction; concurrent reservations for the same node
// conflict on the node counter and are retried.
func (s *Store) ReserveInstance(ctx context.Context, inst *models.Instance, maxInstances int) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	var err error
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			ok, err := exists(txn, instanceKey(inst.ID))
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("instance %s: %w", inst.ID, ErrConflict)
			}
			count, err := readCount(txn, inst.NodeName)
			if err != nil {
				return err
			}
			if count >= maxInstances {
				return ErrNodeFull
			}
			if err := txn.Set(countKey(inst.NodeName), []byte(strconv.Itoa(count+1))); err != nil {
				return err
			}
			return setJSON(txn, instanceKey(inst.ID), inst)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("reserve instance on %s: %w", inst.NodeName, err)
}

// UpdateInstance writes inst, adjusting its node's counter when the status crosses the
// capacity boundary (an errored instance no longer holds a slot).
func (s *Store) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	inst.UpdatedAt = time.Now().UTC()
	return s.retryConflicts(ctx, func(txn *badger.Txn) error {
		var old models.Instance
		if err := getJSON(txn, instanceKey(inst.ID), &old); err != nil {
			return err
		}
		if held, holds := old.Status.HoldsCapacity(), inst.Status.HoldsCapacity(); held != holds {
			delta := 1
			if held {
				delta = -1
			}
			if err := addCount(txn, old.NodeName, delta); err != nil {
				return err
			}
		}
		return setJSON(txn, instanceKey(inst.ID), inst)
	})
}

func (s *Store) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var inst models.Instance
	if err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, instanceKey(id), &inst) }); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances returns instances, newest first. An empty owner lists everyone's.
func (s *Store) ListInstances(ctx context.Context, owner string) ([]models.Instance, error) {
	all, err := listPrefix[models.Instance](s.db, []byte("instance:"))
	if err != nil {
		return nil, err
	}
	out := make([]models.Instance, 0, len(all))
	for _, inst := range all {
		if owner == "" || inst.Owner == owner {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteInstance removes the row and frees its slot.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	return s.retryConflicts(ctx, func(txn *badger.Txn) error {
		var old models.Instance
		if err := getJSON(txn, instanceKey(id), &old); err != nil {
			return err
		}
		if old.Status.HoldsCapacity() {
			if err := addCount(txn, old.NodeName, -1); err != nil {
				return err
			}
		}
		return txn.Delete(instanceKey(id))
	})
}

// InstanceCounts returns the number of slot-holding instances per node.
func (s *Store) InstanceCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("count:")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			node := string(it.Item().Key()[len(prefix):])
			if err := it.Item().Value(func(v []byte) error {
				n, err := strconv.Atoi(string(v))
				counts[node] = n
				return err
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return counts, err
}

func (s *Store) retryConflicts(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// --- Users ---

// userRecord persists the password hash that models.User keeps out of API responses.
type userRecord struct {
	models.User
	PasswordHash string `json:"passwordHash"`
}

func (r userRecord) user() *models.User {
	u := r.User
	u.PasswordHash = r.PasswordHash
	return &u
}

// CreateUser stores a new account; an existing username is ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, userKey(u.Username))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("user %q: %w", u.Username, ErrConflict)
		}
		return setJSON(txn, userKey(u.Username), userRecord{User: *u, PasswordHash: u.PasswordHash})
	})
}

func (s *Store) GetUser(ctx context.Context, username string) (*models.User, error) {
	var rec userRecord
	if err := s.db.View(func(txn *badger.Txn) error { return getJSON(txn, userKey(username), &rec) }); err != nil {
		return nil, err
	}
	return rec.user(), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	records, err := listPrefix[userRecord](s.db, []byte("user:"))
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(records))
	for _, rec := range records {
		users = append(users, *rec.user())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, userKey(username))
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return txn.Delete(userKey(username))
	})
}
