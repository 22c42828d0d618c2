package storage

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Версия формата шифрованного блоба на диске
const envelopeVersion = 1

var errCorruptedRecord = errors.New("wrong passphrase or corrupted session record")

// envelope структура JSON блоба на диске: шифротекст и параметры KDF.
type envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Параметры scrypt по умолчанию
func scryptDefaults() (N, r, p int) { return 1 << 15, 8, 1 }

// EncryptedFile хранилище записи сессии в зашифрованном файле.
//
// Ключ выводится из passphrase через scrypt, запись запечатывается
// ChaCha20-Poly1305 со случайными солью и nonce на каждую запись.
// Подмена или повреждение файла обнаруживаются при чтении.
type EncryptedFile struct {
	mu         sync.Mutex
	path       string
	passphrase string
}

// NewEncryptedFile создает файловое хранилище по указанному пути.
// Файл создается при первом Save.
func NewEncryptedFile(path, passphrase string) *EncryptedFile {
	return &EncryptedFile{path: path, passphrase: passphrase}
}

// Save запечатывает запись и атомарно записывает файл
func (s *EncryptedFile) Save(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.seal(record)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "create storage dir")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return errors.Wrap(err, "write session record")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "commit session record")
}

// Load читает и расшифровывает запись. Отсутствие файла не является ошибкой.
func (s *EncryptedFile) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session record")
	}
	return s.open(blob)
}

// Clear удаляет файл записи. Идемпотентна.
func (s *EncryptedFile) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove session record")
	}
	return nil
}

func (s *EncryptedFile) seal(raw []byte) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	N, r, p := scryptDefaults()
	key, err := scrypt.Key([]byte(s.passphrase), salt[:], N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, raw, salt[:])

	return json.Marshal(envelope{
		V:      envelopeVersion,
		Salt:   salt[:],
		N:      N,
		R:      r,
		P:      p,
		Nonce:  nonce,
		Cipher: ct,
	})
}

func (s *EncryptedFile) open(blob []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, errCorruptedRecord
	}
	if env.V > envelopeVersion {
		return nil, errors.Errorf("unsupported session record version %d", env.V)
	}
	key, err := scrypt.Key([]byte(s.passphrase), env.Salt, env.N, env.R, env.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, env.Nonce, env.Cipher, env.Salt)
	if err != nil {
		return nil, errCorruptedRecord
	}
	return pt, nil
}
