// Package secrets resolves secret references such as
// secretsmanager://blog-db#password at the point of use. Values are cached
// in memory for the life of the resolver and are never written anywhere.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"
)

var (
	ErrUnsupported = errors.New("unsupported secret reference")
	ErrNotFound    = errors.New("secret not found")
)

// Reference schemes.
const (
	SchemeSecretsManager = "secretsmanager"
	SchemeSSM            = "ssm"
	SchemeEnv            = "env"
	SchemeFile           = "file"
)

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Ref is a parsed secret reference: <scheme>://<path>[#<key>]. The key
// selects a field of a JSON secret.
type Ref struct {
	Scheme string
	Path   string
	Key    string
}

func (r Ref) String() string {
	s := r.Scheme + "://" + r.Path
	if r.Key != "" {
		s += "#" + r.Key
	}
	return s
}

// Parse parses a secret reference.
func Parse(s string) (Ref, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || rest == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
	switch scheme {
	case SchemeSecretsManager, SchemeSSM, SchemeEnv, SchemeFile:
	default:
		return Ref{}, fmt.Errorf("%w: scheme %q", ErrUnsupported, scheme)
	}
	ref := Ref{Scheme: scheme, Path: rest}
	if i := strings.LastIndex(rest, "#"); i >= 0 {
		ref.Path, ref.Key = rest[:i], rest[i+1:]
	}
	if ref.Path == "" {
		return Ref{}, fmt.Errorf("%w: %q has no path", ErrUnsupported, s)
	}
	return ref, nil
}

// Resolver resolves references lazily and remembers every value it has
// handed out so they can be redacted from logs.
type Resolver struct {
	sm  secretsManagerAPI
	ssm ssmAPI

	mu     sync.Mutex
	cache  map[string]string
	values []string
}

// New returns a resolver using the AWS clients built from cfg.
func New(cfg aws.Config) *Resolver {
	return newResolver(secretsmanager.NewFromConfig(cfg), ssm.NewFromConfig(cfg))
}

// NewLocal returns a resolver for env:// and file:// references only.
func NewLocal() *Resolver {
	return newResolver(nil, nil)
}

func newResolver(sm secretsManagerAPI, ssm ssmAPI) *Resolver {
	return &Resolver{sm: sm, ssm: ssm, cache: map[string]string{}}
}

// Resolve returns the value ref points at.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	r.mu.Lock()
	if v, ok := r.cache[ref]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	parsed, err := Parse(ref)
	if err != nil {
		return "", err
	}
	raw, err := r.fetch(ctx, parsed)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", parsed, err)
	}
	v := raw
	if parsed.Key != "" {
		if v, err = field(raw, parsed.Key); err != nil {
			return "", fmt.Errorf("resolve %s: %w", parsed, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[ref] = v
	r.values = append(r.values, v)
	return v, nil
}

func (r *Resolver) fetch(ctx context.Context, ref Ref) (string, error) {
	switch ref.Scheme {
	case SchemeSecretsManager:
		if r.sm == nil {
			return "", fmt.Errorf("%w: no Secrets Manager client", ErrUnsupported)
		}
		out, err := r.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(ref.Path)})
		if err != nil {
			return "", notFound(err)
		}
		return aws.ToString(out.SecretString), nil
	case SchemeSSM:
		if r.ssm == nil {
			return "", fmt.Errorf("%w: no SSM client", ErrUnsupported)
		}
		out, err := r.ssm.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(ref.Path), WithDecryption: aws.Bool(true)})
		if err != nil {
			return "", notFound(err)
		}
		if out.Parameter == nil {
			return "", ErrNotFound
		}
		return aws.ToString(out.Parameter.Value), nil
	case SchemeEnv:
		v, ok := os.LookupEnv(ref.Path)
		if !ok {
			return "", ErrNotFound
		}
		return v, nil
	case SchemeFile:
		b, err := os.ReadFile(ref.Path)
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	}
	return "", ErrUnsupported
}

func notFound(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ResourceNotFoundException", "ParameterNotFound":
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
	}
	return err
}

func field(raw, key string) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("secret is not a JSON object, cannot select %q", key)
	}
	v, ok := doc[key]
	if !ok {
		return "", fmt.Errorf("%w: key %q", ErrNotFound, key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}
