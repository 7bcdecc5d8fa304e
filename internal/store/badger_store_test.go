package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	st, err := OpenInMemory()
	s.Require().NoError(err)
	s.store = st
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *StoreSuite) seedTemplate(id string) {
	s.Require().NoError(s.store.SaveTemplate(s.ctx, &models.Template{ID: id, Name: id, Active: true}))
}

func (s *StoreSuite) TestSaveNodeAppliesDefaults() {
	s.Require().NoError(s.store.SaveNode(s.ctx, &models.Node{Name: "pve-1", Endpoint: "https://pve-1:8006"}))

	n, err := s.store.GetNode(s.ctx, "pve-1")
	s.Require().NoError(err)
	s.Equal(models.DefaultMaxInstances, n.MaxInstances)
	s.Equal(models.DefaultNodePriority, n.Priority)
}

func (s *StoreSuite) TestSaveNodeUsesConfiguredDefaultMax() {
	s.store.SetDefaultMaxInstances(30)
	s.Require().NoError(s.store.SaveNode(s.ctx, &models.Node{Name: "pve-1", Endpoint: "https://pve-1:8006"}))
	s.Require().NoError(s.store.SaveNode(s.ctx, &models.Node{Name: "pve-2", Endpoint: "https://pve-2:8006", MaxInstances: 4}))

	n, err := s.store.GetNode(s.ctx, "pve-1")
	s.Require().NoError(err)
	s.Equal(30, n.MaxInstances)
	n, err = s.store.GetNode(s.ctx, "pve-2")
	s.Require().NoError(err)
	s.Equal(4, n.MaxInstances)
}

func (s *StoreSuite) TestTemplatesSharingIDPrefixStaySeparate() {
	s.seedTemplate("kali")
	s.seedTemplate("kali-2024")
	s.Require().NoError(s.store.ReplaceMappings(s.ctx, "kali", []models.TemplateNodeMapping{{NodeName: "pve-1", RemoteTemplateID: 9001}}))
	s.Require().NoError(s.store.ReplaceMappings(s.ctx, "kali-2024", []models.TemplateNodeMapping{{NodeName: "pve-2", RemoteTemplateID: 9500}}))

	mappings, err := s.store.MappingsForTemplate(s.ctx, "kali")
	s.Require().NoError(err)
	s.Require().Len(mappings, 1)
	s.Equal("pve-1", mappings[0].NodeName)

	s.Require().NoError(s.store.DeleteTemplate(s.ctx, "kali"))
	mappings, err = s.store.MappingsForTemplate(s.ctx, "kali-2024")
	s.Require().NoError(err)
	s.Len(mappings, 1, "deleting kali must not touch kali-2024")
}

func (s *StoreSuite) TestKeySeparatorRejected() {
	s.ErrorIs(s.store.SaveTemplate(s.ctx, &models.Template{ID: "kali:2024", Name: "kali"}), ErrInvalidKey)
	s.ErrorIs(s.store.SaveNode(s.ctx, &models.Node{Name: "pve:1", Endpoint: "https://x:8006"}), ErrInvalidKey)
	s.ErrorIs(s.store.SaveTemplate(s.ctx, &models.Template{Name: "unnamed"}), ErrInvalidKey)

	s.seedTemplate("kali")
	s.ErrorIs(s.store.CreateMapping(s.ctx, models.TemplateNodeMapping{TemplateID: "kali", NodeName: "a:b", RemoteTemplateID: 100}), ErrInvalidKey)
	s.ErrorIs(s.store.ReplaceMappings(s.ctx, "kali:2024", nil), ErrInvalidKey)
	_, err := s.store.MappingsForTemplate(s.ctx, "kali:")
	s.ErrorIs(err, ErrInvalidKey)
}

func (s *StoreSuite) TestGetMissingIsNotFound() {
	_, err := s.store.GetNode(s.ctx, "nope")
	s.ErrorIs(err, ErrNotFound)
	_, err = s.store.GetInstance(s.ctx, "nope")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.store.DeleteNode(s.ctx, "nope"), ErrNotFound)
}

func (s *StoreSuite) TestCreateMappingRejectsDuplicatePair() {
	s.seedTemplate("ubuntu")
	m := models.TemplateNodeMapping{TemplateID: "ubuntu", NodeName: "pve-1", RemoteTemplateID: 9000}

	s.Require().NoError(s.store.CreateMapping(s.ctx, m))
	m.RemoteTemplateID = 9001
	s.ErrorIs(s.store.CreateMapping(s.ctx, m), ErrConflict)

	mappings, err := s.store.MappingsForTemplate(s.ctx, "ubuntu")
	s.Require().NoError(err)
	s.Require().Len(mappings, 1)
	s.Equal(9000, mappings[0].RemoteTemplateID)
}

func (s *StoreSuite) TestCreateMappingUnknownTemplate() {
	err := s.store.CreateMapping(s.ctx, models.TemplateNodeMapping{TemplateID: "ghost", NodeName: "pve-1", RemoteTemplateID: 100})
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestReplaceMappings() {
	s.seedTemplate("ubuntu")
	s.Require().NoError(s.store.CreateMapping(s.ctx, models.TemplateNodeMapping{TemplateID: "ubuntu", NodeName: "pve-9", RemoteTemplateID: 100}))

	err := s.store.ReplaceMappings(s.ctx, "ubuntu", []models.TemplateNodeMapping{
		{NodeName: "pve-2", RemoteTemplateID: 9002},
		{NodeName: "pve-1", RemoteTemplateID: 9001},
	})
	s.Require().NoError(err)

	mappings, err := s.store.MappingsForTemplate(s.ctx, "ubuntu")
	s.Require().NoError(err)
	s.Require().Len(mappings, 2)
	s.Equal("pve-1", mappings[0].NodeName)
	s.Equal("ubuntu", mappings[0].TemplateID)
	s.Equal("pve-2", mappings[1].NodeName)

	dup := []models.TemplateNodeMapping{{NodeName: "pve-1", RemoteTemplateID: 1}, {NodeName: "pve-1", RemoteTemplateID: 2}}
	s.ErrorIs(s.store.ReplaceMappings(s.ctx, "ubuntu", dup), ErrConflict)

	// failed replace leaves the previous set intact
	mappings, err = s.store.MappingsForTemplate(s.ctx, "ubuntu")
	s.Require().NoError(err)
	s.Len(mappings, 2)
}

func (s *StoreSuite) TestDeleteNodeKeepsMappings() {
	s.seedTemplate("ubuntu")
	s.Require().NoError(s.store.SaveNode(s.ctx, &models.Node{Name: "pve-1", Endpoint: "https://pve-1:8006"}))
	s.Require().NoError(s.store.CreateMapping(s.ctx, models.TemplateNodeMapping{TemplateID: "ubuntu", NodeName: "pve-1", RemoteTemplateID: 9000}))

	s.Require().NoError(s.store.DeleteNode(s.ctx, "pve-1"))

	mappings, err := s.store.MappingsForTemplate(s.ctx, "ubuntu")
	s.Require().NoError(err)
	s.Len(mappings, 1)
}

func (s *StoreSuite) TestDeleteTemplateCascadesMappings() {
	s.seedTemplate("ubuntu")
	s.Require().NoError(s.store.CreateMapping(s.ctx, models.TemplateNodeMapping{TemplateID: "ubuntu", NodeName: "pve-1", RemoteTemplateID: 9000}))

	s.Require().NoError(s.store.DeleteTemplate(s.ctx, "ubuntu"))

	mappings, err := s.store.MappingsForTemplate(s.ctx, "ubuntu")
	s.Require().NoError(err)
	s.Empty(mappings)
}

func (s *StoreSuite) TestReserveInstanceEnforcesCapacity() {
	for i := 0; i < 2; i++ {
		inst := &models.Instance{ID: fmt.Sprintf("i-%d", i), NodeName: "pve-1", Status: models.StatusProvisioning}
		s.Require().NoError(s.store.ReserveInstance(s.ctx, inst, 2))
	}
	err := s.store.ReserveInstance(s.ctx, &models.Instance{ID: "i-2", NodeName: "pve-1", Status: models.StatusProvisioning}, 2)
	s.ErrorIs(err, ErrNodeFull)

	counts, err := s.store.InstanceCounts(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, counts["pve-1"])
}

func (s *StoreSuite) TestReserveInstanceConcurrent() {
	const max = 5
	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := &models.Instance{ID: fmt.Sprintf("c-%d", i), NodeName: "pve-1", Status: models.StatusProvisioning}
			results <- s.store.ReserveInstance(s.ctx, inst, max)
		}(i)
	}
	wg.Wait()
	close(results)

	ok, full := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNodeFull):
			full++
		}
	}
	s.Equal(max, ok)

	counts, err := s.store.InstanceCounts(s.ctx)
	s.Require().NoError(err)
	s.Equal(max, counts["pve-1"])
	s.LessOrEqual(full, 20-max)
}

func (s *StoreSuite) TestErroredInstanceFreesSlot() {
	inst := &models.Instance{ID: "i-1", NodeName: "pve-1", Status: models.StatusProvisioning}
	s.Require().NoError(s.store.ReserveInstance(s.ctx, inst, 1))

	inst.Status = models.StatusError
	inst.Error = "clone failed"
	s.Require().NoError(s.store.UpdateInstance(s.ctx, inst))

	counts, err := s.store.InstanceCounts(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, counts["pve-1"])

	s.Require().NoError(s.store.ReserveInstance(s.ctx, &models.Instance{ID: "i-2", NodeName: "pve-1"}, 1))

	got, err := s.store.GetInstance(s.ctx, "i-1")
	s.Require().NoError(err)
	s.Equal("clone failed", got.Error)
}

func (s *StoreSuite) TestDeleteInstanceFreesSlot() {
	s.Require().NoError(s.store.ReserveInstance(s.ctx, &models.Instance{ID: "i-1", NodeName: "pve-1", Status: models.StatusRunning}, 1))
	s.Require().NoError(s.store.DeleteInstance(s.ctx, "i-1"))

	counts, err := s.store.InstanceCounts(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, counts["pve-1"])
	s.ErrorIs(s.store.DeleteInstance(s.ctx, "i-1"), ErrNotFound)
}

func (s *StoreSuite) TestListInstancesByOwner() {
	s.Require().NoError(s.store.ReserveInstance(s.ctx, &models.Instance{ID: "a", NodeName: "pve-1", Owner: "alice"}, 10))
	s.Require().NoError(s.store.ReserveInstance(s.ctx, &models.Instance{ID: "b", NodeName: "pve-1", Owner: "bob"}, 10))

	mine, err := s.store.ListInstances(s.ctx, "alice")
	s.Require().NoError(err)
	s.Require().Len(mine, 1)
	s.Equal("a", mine[0].ID)

	all, err := s.store.ListInstances(s.ctx, "")
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *StoreSuite) TestUserPasswordHashPersists() {
	u := &models.User{Username: "teach", PasswordHash: "$2a$hash", Role: models.RoleTeacher}
	s.Require().NoError(s.store.CreateUser(s.ctx, u))
	s.ErrorIs(s.store.CreateUser(s.ctx, u), ErrConflict)

	got, err := s.store.GetUser(s.ctx, "teach")
	s.Require().NoError(err)
	s.Equal("$2a$hash", got.PasswordHash)
	s.Equal(models.RoleTeacher, got.Role)

	users, err := s.store.ListUsers(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(users, 1)
	s.Equal("$2a$hash", users[0].PasswordHash)
}
