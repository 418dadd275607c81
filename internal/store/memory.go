package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is the in-process store used by tests and single-node
// development runs. It mirrors the Postgres method set.
type Memory struct {
	mu            sync.Mutex
	projects      map[string]Project
	versions      map[string]Version
	collaborators map[string]Collaborator
	chatMessages  map[string]ChatMessage
	comments      map[string]Comment
}

func NewMemory() *Memory {
	return &Memory{
		projects:      make(map[string]Project),
		versions:      make(map[string]Version),
		collaborators: make(map[string]Collaborator),
		chatMessages:  make(map[string]ChatMessage),
		comments:      make(map[string]Comment),
	}
}

func (s *Memory) CreateProject(_ context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return nil
}

func (s *Memory) GetProject(_ context.Context, projectID string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *Memory) SetProjectVersion(_ context.Context, projectID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	p.CurrentVersion = version
	s.projects[projectID] = p
	return nil
}

func (s *Memory) TouchProject(_ context.Context, projectID string) error {
	return nil
}

func (s *Memory) InsertVersion(_ context.Context, v Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.ID] = v
	return nil
}

func (s *Memory) LatestVersionNumber(_ context.Context, projectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := 0
	for _, v := range s.versions {
		if v.ProjectID == projectID && v.Number > latest {
			latest = v.Number
		}
	}
	return latest, nil
}

func (s *Memory) ListVersions(_ context.Context, projectID string, limit int) ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := make([]Version, 0)
	for _, v := range s.versions {
		if v.ProjectID == projectID {
			v.Blob = nil
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Number > versions[j].Number })
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}
	return versions, nil
}

func (s *Memory) GetVersionByID(_ context.Context, versionID string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return Version{}, ErrNotFound
	}
	return v, nil
}

func (s *Memory) InsertCollaborator(_ context.Context, c Collaborator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collaborators[c.ID] = c
	return nil
}

func (s *Memory) CollaboratorByEmail(_ context.Context, projectID, email string) (Collaborator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.collaborators {
		if c.ProjectID == projectID && c.Email == email {
			return c, nil
		}
	}
	return Collaborator{}, ErrNotFound
}

func (s *Memory) CollaboratorByID(_ context.Context, id string) (Collaborator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collaborators[id]
	if !ok {
		return Collaborator{}, ErrNotFound
	}
	return c, nil
}

func (s *Memory) AcceptedCollaborator(_ context.Context, projectID, userID string) (Collaborator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.collaborators {
		if c.ProjectID == projectID && c.UserID == userID && c.InviteStatus == InviteAccepted {
			return c, nil
		}
	}
	return Collaborator{}, ErrNotFound
}

func (s *Memory) UpdateCollaborator(_ context.Context, c Collaborator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collaborators[c.ID]; !ok {
		return ErrNotFound
	}
	s.collaborators[c.ID] = c
	return nil
}

func (s *Memory) DeleteCollaborator(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collaborators[id]; !ok {
		return ErrNotFound
	}
	delete(s.collaborators, id)
	return nil
}

func (s *Memory) ListCollaborators(_ context.Context, projectID string) ([]Collaborator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	collaborators := make([]Collaborator, 0)
	for _, c := range s.collaborators {
		if c.ProjectID == projectID {
			collaborators = append(collaborators, c)
		}
	}
	sort.Slice(collaborators, func(i, j int) bool {
		return collaborators[i].InvitedAt.Before(collaborators[j].InvitedAt)
	})
	return collaborators, nil
}

func (s *Memory) InsertChatMessage(_ context.Context, m ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatMessages[m.ID] = m
	return nil
}

func (s *Memory) ChatMessageByID(_ context.Context, id string) (ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.chatMessages[id]
	if !ok {
		return ChatMessage{}, ErrNotFound
	}
	return m, nil
}

func (s *Memory) UpdateChatMessage(_ context.Context, m ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chatMessages[m.ID]; !ok {
		return ErrNotFound
	}
	s.chatMessages[m.ID] = m
	return nil
}

func (s *Memory) DeleteChatMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chatMessages[id]; !ok {
		return ErrNotFound
	}
	delete(s.chatMessages, id)
	return nil
}

func (s *Memory) ListChatMessages(_ context.Context, projectID string, limit int) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := make([]ChatMessage, 0)
	for _, m := range s.chatMessages {
		if m.ProjectID == projectID {
			messages = append(messages, m)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].CreatedAt.After(messages[j].CreatedAt) })
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (s *Memory) InsertComment(_ context.Context, c Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[c.ID] = c
	return nil
}

func (s *Memory) CommentByID(_ context.Context, id string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return Comment{}, ErrNotFound
	}
	return c, nil
}

func (s *Memory) UpdateComment(_ context.Context, c Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comments[c.ID]; !ok {
		return ErrNotFound
	}
	s.comments[c.ID] = c
	return nil
}

func (s *Memory) ListComments(_ context.Context, projectID string) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	comments := make([]Comment, 0)
	for _, c := range s.comments {
		if c.ProjectID == projectID {
			comments = append(comments, c)
		}
	}
	sort.Slice(comments, func(i, j int) bool { return comments[i].CreatedAt.After(comments[j].CreatedAt) })
	return comments, nil
}
