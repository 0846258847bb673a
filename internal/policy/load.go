package policy

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/smsgate/internal/admission"
	"github.com/keithlinneman/smsgate/internal/log"
	"github.com/keithlinneman/smsgate/internal/xerrors"
)

const (
	SourceS3    = "s3"
	SourceSSM   = "ssm"
	SourceFile  = "file"
	SourceFlags = "flags"
)

// policy documents are a handful of lines, anything bigger is not one
const maxDocumentBytes = 64 << 10

// S3API is the subset of the S3 client the loader calls.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMAPI is the subset of the SSM client the loader calls.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Verifier checks a detached signature over a policy document.
type Verifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// Sources names where to look. Empty fields are skipped.
type Sources struct {
	S3Bucket string
	S3Key    string
	SSMParam string
	File     string

	// Flags is the fallback when no document source is set
	Flags              admission.Config
	FlagsSweepInterval time.Duration
}

// Loader fetches and validates the quota policy. Clients are only needed for
// the sources actually configured.
type Loader struct {
	S3       S3API
	SSM      SSMAPI
	Verifier Verifier // nil skips signature verification of S3 documents
	Logger   log.Logger
}

// Load resolves the policy from the highest-precedence configured source.
func (l *Loader) Load(ctx context.Context, src Sources) (Policy, error) {
	L := l.Logger
	if L == nil {
		L = log.Nop()
	}

	var (
		source string
		data   []byte
		err    error
		from   string
	)
	switch {
	case src.S3Bucket != "" && src.S3Key != "":
		source, from = SourceS3, "s3://"+src.S3Bucket+"/"+src.S3Key
		data, err = l.fromS3(ctx, src.S3Bucket, src.S3Key)
	case src.SSMParam != "":
		source, from = SourceSSM, src.SSMParam
		data, err = l.fromSSM(ctx, src.SSMParam)
	case src.File != "":
		source, from = SourceFile, src.File
		data, err = readFile(src.File)
	default:
		p, err := build(src.Flags, src.FlagsSweepInterval, SourceFlags)
		if err != nil {
			return Policy{}, err
		}
		L.Info(ctx, "quota policy loaded", policyFields(p, "command line")...)
		return p, nil
	}
	if err != nil {
		return Policy{}, xerrors.Wrapf(err, "load %s policy from %s", source, from)
	}

	doc, err := Parse(data)
	if err != nil {
		return Policy{}, xerrors.Wrapf(err, "%s policy from %s", source, from)
	}
	p, err := doc.Policy(source)
	if err != nil {
		return Policy{}, err
	}
	L.Info(ctx, "quota policy loaded", policyFields(p, from)...)
	return p, nil
}

func policyFields(p Policy, from string) []any {
	return []any{
		"source", p.Source,
		"from", from,
		"max_per_phone_number", p.MaxPerPhoneNumber,
		"max_per_account", p.MaxPerAccount,
		"window", p.Window.String(),
		"retention_horizon", p.RetentionHorizon.String(),
		"sweep_interval", p.SweepInterval.String(),
	}
}

// fromS3 fetches the document and, when a verifier is set, its detached signature at key+".sig".
func (l *Loader) fromS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if l.S3 == nil {
		return nil, xerrors.New("s3 client is not configured")
	}
	data, err := l.getObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if l.Verifier == nil {
		return data, nil
	}
	sig, err := l.getObject(ctx, bucket, key+".sig")
	if err != nil {
		return nil, xerrors.Wrap(err, "fetch policy signature")
	}
	if err := l.Verifier.VerifySignature(ctx, data, decodeSignature(sig)); err != nil {
		return nil, xerrors.Wrap(err, "verify policy signature")
	}
	return data, nil
}

func (l *Loader) getObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := l.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "s3 get object %s", key)
	}
	defer out.Body.Close()
	return readCapped(out.Body)
}

func (l *Loader) fromSSM(ctx context.Context, name string) ([]byte, error) {
	if l.SSM == nil {
		return nil, xerrors.New("ssm client is not configured")
	}
	out, err := l.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "ssm get parameter")
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.New("ssm parameter has no value")
	}
	return []byte(*out.Parameter.Value), nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	defer f.Close()
	return readCapped(f)
}

func readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read policy document")
	}
	if len(data) > maxDocumentBytes {
		return nil, xerrors.Newf("policy document exceeds %d bytes", maxDocumentBytes)
	}
	return data, nil
}

// decodeSignature accepts the raw DER signature KMS returns, or the same bytes base64 encoded.
func decodeSignature(sig []byte) []byte {
	trimmed := bytes.TrimSpace(sig)
	if dec, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil && len(dec) > 0 {
		return dec
	}
	return sig
}
