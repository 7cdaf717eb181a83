// Package auth owns operator identity: password-backed accounts, the role
// registry that gates the admin surfaces, and bearer-token sessions.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"afterdark-live/internal/models"
)

// Permissions grantable to a role.
const (
	PermManageUsers  = "manage_users"
	PermManageStream = "manage_stream"
	PermModerateChat = "moderate_chat"
	PermViewAdmin    = "view_admin"
)

var rolePermissions = map[models.Role][]string{
	models.RoleAdmin:     {PermManageUsers, PermManageStream, PermModerateChat, PermViewAdmin},
	models.RoleModerator: {PermModerateChat, PermViewAdmin},
	models.RoleUser:      {},
}

var (
	// ErrOperatorExists rejects duplicate account creation.
	ErrOperatorExists = errors.New("operator already exists")
	// ErrOperatorNotFound signals a lookup miss on a management surface.
	ErrOperatorNotFound = errors.New("operator not found")
	// ErrNotAdmin rejects role mutations by non-admins.
	ErrNotAdmin = errors.New("only admins can manage roles")
	// ErrPrimaryAdmin protects the bootstrap admin from demotion.
	ErrPrimaryAdmin = errors.New("the primary admin cannot be changed")
	// ErrInvalidOperator rejects account creation with missing fields.
	ErrInvalidOperator = errors.New("email, displayName and password are required")
)

// RolePermissions returns the permission list for a role. Unknown roles carry
// no permissions.
func RolePermissions(role models.Role) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	return append([]string(nil), perms...)
}

// NormalizeRole maps free-form input onto a known role, defaulting to user.
func NormalizeRole(value string) models.Role {
	switch models.Role(strings.ToLower(strings.TrimSpace(value))) {
	case models.RoleAdmin:
		return models.RoleAdmin
	case models.RoleModerator:
		return models.RoleModerator
	default:
		return models.RoleUser
	}
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithSnapshotPath persists accounts and role assignments to a JSON file.
func WithSnapshotPath(path string) DirectoryOption {
	return func(d *Directory) {
		d.filePath = strings.TrimSpace(path)
	}
}

// WithDirectoryClock overrides the time source for tests.
func WithDirectoryClock(now func() time.Time) DirectoryOption {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// operatorRecord is the persisted form of an operator. The public model drops
// the password hash from JSON, so the snapshot carries it explicitly.
type operatorRecord struct {
	ID           string      `json:"id"`
	Email        string      `json:"email"`
	DisplayName  string      `json:"displayName"`
	Role         models.Role `json:"role"`
	PasswordHash string      `json:"passwordHash"`
	CreatedAt    time.Time   `json:"createdAt"`
}

func (r operatorRecord) toOperator() models.Operator {
	return models.Operator{
		ID:           r.ID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		Role:         r.Role,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt,
	}
}

func toOperatorRecord(o models.Operator) operatorRecord {
	return operatorRecord{
		ID:           o.ID,
		Email:        o.Email,
		DisplayName:  o.DisplayName,
		Role:         o.Role,
		PasswordHash: o.PasswordHash,
		CreatedAt:    o.CreatedAt,
	}
}

type directorySnapshot struct {
	Operators    map[string]operatorRecord `json:"operators"`
	Roles        map[string]models.Role    `json:"roles"`
	PrimaryAdmin string                    `json:"primaryAdmin"`
}

// Directory is the identity store. Operators are keyed by lowercased email;
// role assignments may cover emails with no operator account (viewers signed
// in through the external identity provider).
type Directory struct {
	mu           sync.RWMutex
	filePath     string
	operators    map[string]models.Operator
	roles        map[string]models.Role
	primaryAdmin string
	now          func() time.Time
}

// NewDirectory constructs a directory, loading a prior snapshot when one is
// configured.
func NewDirectory(opts ...DirectoryOption) (*Directory, error) {
	directory := &Directory{
		operators: make(map[string]models.Operator),
		roles:     make(map[string]models.Role),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(directory)
		}
	}
	if err := directory.load(); err != nil {
		return nil, err
	}
	return directory, nil
}

// BootstrapAdmin ensures the primary admin account exists. It is called at
// startup with configured credentials and is a no-op when the account is
// already present.
func (d *Directory) BootstrapAdmin(email, displayName, password string) (models.Operator, error) {
	email = normalizeEmail(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return models.Operator{}, ErrInvalidOperator
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.operators[email]; ok {
		if d.primaryAdmin == "" {
			d.primaryAdmin = email
		}
		return existing, nil
	}
	operator, err := d.newOperatorLocked(email, displayName, password, models.RoleAdmin)
	if err != nil {
		return models.Operator{}, err
	}
	d.primaryAdmin = email
	if err := d.persistLocked(); err != nil {
		delete(d.operators, email)
		delete(d.roles, email)
		d.primaryAdmin = ""
		return models.Operator{}, err
	}
	return operator, nil
}

// CreateOperator adds an account with the given role.
func (d *Directory) CreateOperator(email, displayName, password string, role models.Role) (models.Operator, error) {
	email = normalizeEmail(email)
	displayName = strings.TrimSpace(displayName)
	if email == "" || displayName == "" || strings.TrimSpace(password) == "" {
		return models.Operator{}, ErrInvalidOperator
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.operators[email]; ok {
		return models.Operator{}, ErrOperatorExists
	}
	operator, err := d.newOperatorLocked(email, displayName, password, role)
	if err != nil {
		return models.Operator{}, err
	}
	if err := d.persistLocked(); err != nil {
		delete(d.operators, email)
		delete(d.roles, email)
		return models.Operator{}, err
	}
	return operator, nil
}

// Authenticate verifies an email/password pair and returns the operator.
func (d *Directory) Authenticate(email, password string) (models.Operator, error) {
	d.mu.RLock()
	operator, ok := d.operators[normalizeEmail(email)]
	d.mu.RUnlock()
	if !ok {
		// Burn a hash comparison anyway so a missing account is not
		// distinguishable by timing.
		_ = VerifyPassword("pbkdf2$sha256$1$AA$AA", password)
		return models.Operator{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(operator.PasswordHash, password); err != nil {
		return models.Operator{}, ErrInvalidCredentials
	}
	return operator, nil
}

// OperatorByID resolves a session's subject back to an operator.
func (d *Directory) OperatorByID(id string) (models.Operator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, operator := range d.operators {
		if operator.ID == id {
			return operator, true
		}
	}
	return models.Operator{}, false
}

// RoleFor returns the role assigned to an email, defaulting to user.
func (d *Directory) RoleFor(email string) models.Role {
	d.mu.RLock()
	role, ok := d.roles[normalizeEmail(email)]
	d.mu.RUnlock()
	if !ok {
		return models.RoleUser
	}
	return role
}

// HasPermission reports whether the email's role carries the permission.
func (d *Directory) HasPermission(email, permission string) bool {
	for _, perm := range rolePermissions[d.RoleFor(email)] {
		if perm == permission {
			return true
		}
	}
	return false
}

// RoleAssignment pairs an email with its granted role for listings.
type RoleAssignment struct {
	Email       string      `json:"email"`
	Role        models.Role `json:"role"`
	Permissions []string    `json:"permissions"`
	Primary     bool        `json:"isPrimaryAdmin,omitempty"`
}

// ListRoles returns all explicit assignments ordered by email.
func (d *Directory) ListRoles() []RoleAssignment {
	d.mu.RLock()
	assignments := make([]RoleAssignment, 0, len(d.roles))
	for email, role := range d.roles {
		assignments = append(assignments, RoleAssignment{
			Email:       email,
			Role:        role,
			Permissions: RolePermissions(role),
			Primary:     email == d.primaryAdmin,
		})
	}
	d.mu.RUnlock()
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].Email < assignments[j].Email })
	return assignments
}

// AssignRole grants a role to an email. Only admins may assign roles and the
// primary admin's role is immutable.
func (d *Directory) AssignRole(email string, role models.Role, actingEmail string) error {
	email = normalizeEmail(email)
	if email == "" {
		return ErrInvalidOperator
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isAdminLocked(actingEmail) {
		return ErrNotAdmin
	}
	if email == d.primaryAdmin {
		return ErrPrimaryAdmin
	}
	previous, existed := d.roles[email]
	d.roles[email] = role
	if operator, ok := d.operators[email]; ok {
		operator.Role = role
		d.operators[email] = operator
	}
	if err := d.persistLocked(); err != nil {
		if existed {
			d.roles[email] = previous
		} else {
			delete(d.roles, email)
		}
		return err
	}
	return nil
}

// RemoveRole clears an explicit assignment, dropping the email back to the
// default user role.
func (d *Directory) RemoveRole(email, actingEmail string) error {
	email = normalizeEmail(email)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isAdminLocked(actingEmail) {
		return ErrNotAdmin
	}
	if email == d.primaryAdmin {
		return ErrPrimaryAdmin
	}
	previous, existed := d.roles[email]
	if !existed {
		return ErrOperatorNotFound
	}
	delete(d.roles, email)
	if operator, ok := d.operators[email]; ok {
		operator.Role = models.RoleUser
		d.operators[email] = operator
	}
	if err := d.persistLocked(); err != nil {
		d.roles[email] = previous
		return err
	}
	return nil
}

func (d *Directory) isAdminLocked(email string) bool {
	return d.roles[normalizeEmail(email)] == models.RoleAdmin
}

func (d *Directory) newOperatorLocked(email, displayName, password string, role models.Role) (models.Operator, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return models.Operator{}, err
	}
	id, err := generateOperatorID()
	if err != nil {
		return models.Operator{}, err
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = email
	}
	operator := models.Operator{
		ID:           id,
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    d.now().UTC(),
	}
	d.operators[email] = operator
	d.roles[email] = role
	return operator, nil
}

func (d *Directory) load() error {
	if d.filePath == "" {
		return nil
	}
	file, err := os.Open(d.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open directory snapshot: %w", err)
	}
	defer file.Close()

	var snapshot directorySnapshot
	if err := json.NewDecoder(file).Decode(&snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode directory snapshot: %w", err)
	}
	for email, record := range snapshot.Operators {
		d.operators[email] = record.toOperator()
	}
	if snapshot.Roles != nil {
		d.roles = snapshot.Roles
	}
	d.primaryAdmin = snapshot.PrimaryAdmin
	return nil
}

func (d *Directory) persistLocked() error {
	if d.filePath == "" {
		return nil
	}
	dir := filepath.Dir(d.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "directory-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	records := make(map[string]operatorRecord, len(d.operators))
	for email, operator := range d.operators {
		records[email] = toOperatorRecord(operator)
	}
	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(directorySnapshot{
		Operators:    records,
		Roles:        d.roles,
		PrimaryAdmin: d.primaryAdmin,
	}); err != nil {
		return fmt.Errorf("encode directory snapshot: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush directory snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, d.filePath); err != nil {
		return fmt.Errorf("replace directory snapshot: %w", err)
	}
	success = true
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func generateOperatorID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate operator id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
