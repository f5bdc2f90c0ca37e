package wallet

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSCipher wraps wallet keys with an AWS KMS customer key, so the file
// on disk never holds usable key material. It implements Cipher.
type KMSCipher struct {
	kms   *kms.Client
	keyID string
}

// NewKMSCipher creates a cipher bound to keyID. If localEndpoint is
// non-empty the client targets it with dummy credentials (LocalStack);
// otherwise the AWS default credential chain applies.
func NewKMSCipher(ctx context.Context, region, keyID, localEndpoint string) (*KMSCipher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))

	if localEndpoint != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localEndpoint)
		})
	}

	return &KMSCipher{
		kms:   kms.NewFromConfig(cfg, kmsOpts...),
		keyID: keyID,
	}, nil
}

// Encrypt wraps plaintext under the configured key.
func (c *KMSCipher) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := c.kms.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(c.keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: encrypt: %w", err)
	}
	return out.CiphertextBlob, nil
}

// Decrypt unwraps a ciphertext blob. The caller is responsible for
// securing the returned bytes.
func (c *KMSCipher) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := c.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}
