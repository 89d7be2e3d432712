package service

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/gameshelf/gameshelf-back/internal/db"
)

const deleteConfirmationPhrase = "DELETE"

// Identity owns user rows: registration, login, profile and settings edits,
// password changes and account deletion. Deleting an account cascades to the
// user's ownership links and nothing else.
type Identity struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

func NewIdentity(db *gorm.DB, l *zap.SugaredLogger) *Identity {
	return &Identity{
		db:     db,
		logger: l,
	}
}

// Register creates an account and returns a fresh session token, logging the
// new user straight in. Duplicate username/email are conflicts, not errors.
func (s *Identity) Register(username, email, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", validationErr("username", "is required")
	}
	if email == "" {
		return "", validationErr("email", "is required")
	}
	if password == "" {
		return "", validationErr("password", "is required")
	}

	if err := s.checkTaken(username, email, 0); err != nil {
		return "", err
	}

	hash, err := s.bcryptGen(password)
	if err != nil {
		return "", errors.Wrap(err, "bcryptGen")
	}

	token := uuid.New().String()
	res := s.db.Create(&db.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Token:        token,
	})
	if res.Error != nil {
		// A concurrent registration can slip past checkTaken; the unique
		// constraints are the real guard. Re-check to name the column that
		// actually collided.
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			if err := s.checkTaken(username, email, 0); err != nil {
				return "", err
			}
			return "", ErrUsernameTaken
		}
		return "", res.Error
	}

	s.logger.Infow("user registered", "username", username)
	return token, nil
}

func (s *Identity) Login(username, password string) (string, error) {
	user := db.User{}
	res := s.db.Where("username = ?", username).First(&user)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return "", ErrLoginUserNotFound
		}
		return "", res.Error
	}

	if err := s.bcryptCheck(user.PasswordHash, password); err != nil {
		return "", ErrLoginPasswordDoesNotMatch
	}

	token := uuid.New().String()
	res = s.db.Model(&user).Update("token", token)
	if res.Error != nil {
		return "", errors.Wrap(res.Error, "update token")
	}

	return token, nil
}

func (s *Identity) Get(userID uint64) (*db.User, error) {
	user := db.User{}
	res := s.db.First(&user, userID)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, res.Error
	}
	return &user, nil
}

// UpdateProfile changes the email and, when avatar is non-nil, the avatar
// reference. The username is deliberately untouchable here.
func (s *Identity) UpdateProfile(userID uint64, email string, avatar *string) (*db.User, error) {
	if email == "" {
		return nil, validationErr("email", "is required")
	}

	user, err := s.Get(userID)
	if err != nil {
		return nil, err
	}

	taken := db.User{}
	res := s.db.Where("email = ? AND id <> ?", email, userID).First(&taken)
	if res.Error == nil {
		return nil, ErrEmailTaken
	}
	if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, res.Error
	}

	user.Email = email
	if avatar != nil {
		user.Avatar = avatar
	}

	if res := s.db.Save(user); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrEmailTaken
		}
		return nil, res.Error
	}
	return user, nil
}

// UpdateSettings also allows a username change, with the same uniqueness rules.
func (s *Identity) UpdateSettings(userID uint64, username, email string, avatar *string) (*db.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, validationErr("username", "is required")
	}
	if email == "" {
		return nil, validationErr("email", "is required")
	}

	user, err := s.Get(userID)
	if err != nil {
		return nil, err
	}

	if err := s.checkTaken(username, email, userID); err != nil {
		return nil, err
	}

	user.Username = username
	user.Email = email
	if avatar != nil {
		user.Avatar = avatar
	}

	if res := s.db.Save(user); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, res.Error
	}
	return user, nil
}

// ChangePassword verifies the current password by recompute before storing
// the new hash.
func (s *Identity) ChangePassword(userID uint64, current, next string) error {
	if next == "" {
		return validationErr("new_password", "is required")
	}

	user, err := s.Get(userID)
	if err != nil {
		return err
	}

	if err := s.bcryptCheck(user.PasswordHash, current); err != nil {
		return ErrLoginPasswordDoesNotMatch
	}

	hash, err := s.bcryptGen(next)
	if err != nil {
		return errors.Wrap(err, "bcryptGen")
	}

	res := s.db.Model(user).Update("password_hash", hash)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update password")
	}

	s.logger.Infow("password changed", "user_id", userID)
	return nil
}

// ResetPassword only confirms the address is known. Mail delivery is a
// downstream collaborator this service does not have.
func (s *Identity) ResetPassword(email string) error {
	user := db.User{}
	res := s.db.Where("email = ?", email).First(&user)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return res.Error
	}
	s.logger.Infow("password reset requested", "user_id", user.ID)
	return nil
}

// Delete removes the account and, through the store's cascade, every
// ownership link the user held. Shared game rows stay behind. The caller
// must type the confirmation phrase exactly.
func (s *Identity) Delete(userID uint64, confirmation string) error {
	if strings.ToUpper(strings.TrimSpace(confirmation)) != deleteConfirmationPhrase {
		return ErrConfirmationMismatch
	}

	user, err := s.Get(userID)
	if err != nil {
		return err
	}

	res := s.db.Select("Links").Delete(user)
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete user")
	}

	s.logger.Infow("account deleted", "user_id", userID)
	return nil
}

func (s *Identity) checkTaken(username, email string, selfID uint64) error {
	existing := db.User{}
	res := s.db.Where("username = ? AND id <> ?", username, selfID).First(&existing)
	if res.Error == nil {
		return ErrUsernameTaken
	}
	if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return res.Error
	}

	res = s.db.Where("email = ? AND id <> ?", email, selfID).First(&existing)
	if res.Error == nil {
		return ErrEmailTaken
	}
	if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return res.Error
	}
	return nil
}

func (s *Identity) bcryptGen(pass string) (string, error) {
	passwordHashB, err := bcrypt.GenerateFromPassword([]byte(pass), 14)
	if err != nil {
		return "", errors.Wrap(err, "generate password hash")
	}
	return string(passwordHashB), nil
}

func (s *Identity) bcryptCheck(hash, pass string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass))
}
