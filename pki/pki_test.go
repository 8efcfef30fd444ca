package pki_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pkidesk/certerr"
	"github.com/jmcleod/pkidesk/pki"
)

// newTestCA creates a CA and returns its parsed material.
func newTestCA(t *testing.T) (*pki.CA, []byte, []byte) {
	t.Helper()
	certDER, keyPEM, err := pki.NewCA("Test Root CA", 0)
	require.NoError(t, err)
	ca, err := pki.ParseCAMaterial(certDER, keyPEM)
	require.NoError(t, err)
	return ca, certDER, keyPEM
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"alice", "web-01.example.com", "A.b-9", "x"} {
		assert.True(t, pki.ValidName(name), name)
	}
	for _, name := range []string{"", "-lead", "has space", "slash/name", "ümlaut", "under_score"} {
		assert.False(t, pki.ValidName(name), name)
	}
	assert.ErrorIs(t, pki.CheckName("-x"), certerr.ErrInvalid)
}

func TestNewCA(t *testing.T) {
	ca, certDER, keyPEM := newTestCA(t)

	assert.Equal(t, "Test Root CA", ca.Name)
	assert.True(t, ca.Certificate.IsCA)
	assert.True(t, ca.Certificate.MaxPathLenZero)
	assert.Equal(t, 0, ca.Certificate.MaxPathLen)

	pub, ok := ca.Certificate.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, elliptic.P521(), pub.Curve)
	assert.WithinDuration(t, time.Now().Add(pki.DefaultCAValidity), ca.Certificate.NotAfter, time.Minute)

	block, _ := pem.Decode(keyPEM)
	require.NotNil(t, block)
	assert.Equal(t, "PRIVATE KEY", block.Type)

	require.NoError(t, ca.Certificate.CheckSignatureFrom(ca.Certificate))
	assert.NotEmpty(t, certDER)

	_, _, err := pki.NewCA("", 0)
	assert.ErrorIs(t, err, certerr.ErrInvalid)
}

func TestGenerateKeyPairAndCSR(t *testing.T) {
	engine := pki.NewEngine(nil)

	keyPEM, csrDER, err := engine.GenerateKeyPairAndCSR("alice")
	require.NoError(t, err)

	csr, err := pki.ParseCSR(csrDER)
	require.NoError(t, err)
	assert.Equal(t, "alice", csr.Subject.CommonName)
	assert.Equal(t, []string{"alice"}, csr.DNSNames)

	key, err := pki.ParsePrivateKey(keyPEM)
	require.NoError(t, err)
	assert.True(t, pki.PublicKeysEqual(key.Public(), csr.PublicKey))

	ecKey, ok := key.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.Equal(t, elliptic.P256(), ecKey.Curve)

	_, _, err = engine.GenerateKeyPairAndCSR("bad name")
	assert.ErrorIs(t, err, pki.ErrInvalidName)
}

func TestSignCSR(t *testing.T) {
	ca, _, _ := newTestCA(t)
	engine := pki.NewEngine(nil)

	_, csrDER, err := engine.GenerateKeyPairAndCSR("web.example.com")
	require.NoError(t, err)

	certDER, err := engine.SignCSR(ca, csrDER)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)
	require.NoError(t, cert.CheckSignatureFrom(ca.Certificate))

	assert.Equal(t, "web.example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"web.example.com"}, cert.DNSNames)
	assert.Equal(t, x509.KeyUsageKeyEncipherment|x509.KeyUsageDigitalSignature, cert.KeyUsage)
	assert.ElementsMatch(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	assert.False(t, cert.IsCA)
	assert.Equal(t, pki.LeafValidity, cert.NotAfter.Sub(cert.NotBefore))
	assert.LessOrEqual(t, cert.SerialNumber.BitLen(), 128)

	// Two signatures of the same CSR carry distinct serials.
	again, err := engine.SignCSR(ca, csrDER)
	require.NoError(t, err)
	cert2, err := x509.ParseCertificate(again)
	require.NoError(t, err)
	assert.NotEqual(t, cert.SerialNumber, cert2.SerialNumber)
}

func TestSignCSRRejectsGarbage(t *testing.T) {
	ca, _, _ := newTestCA(t)
	engine := pki.NewEngine(nil)

	_, err := engine.SignCSR(ca, []byte("not a csr"))
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
	assert.ErrorIs(t, err, certerr.ErrInvalid)

	_, err = engine.SignCSR(nil, []byte("not a csr"))
	assert.ErrorIs(t, err, certerr.ErrUnavailable)
}

func TestParseCAMaterialEitherOrder(t *testing.T) {
	_, certDER, keyPEM := newTestCA(t)
	certPEM := pki.EncodeCertificatePEM(certDER)

	for name, files := range map[string][2][]byte{
		"cert then key": {certDER, keyPEM},
		"key then cert": {keyPEM, certDER},
		"pem cert":      {keyPEM, certPEM},
	} {
		t.Run(name, func(t *testing.T) {
			ca, err := pki.ParseCAMaterial(files[0], files[1])
			require.NoError(t, err)
			assert.Equal(t, "Test Root CA", ca.Name)
		})
	}
}

func TestParseCAMaterialMismatch(t *testing.T) {
	_, certDER, _ := newTestCA(t)
	_, otherKeyPEM, err := pki.NewCA("Other CA", 0)
	require.NoError(t, err)

	_, err = pki.ParseCAMaterial(certDER, otherKeyPEM)
	require.Error(t, err)
	assert.ErrorIs(t, err, pki.ErrKeyMismatch)
	assert.ErrorIs(t, err, certerr.ErrInvalid)
	assert.False(t, errors.Is(err, pki.ErrInvalidPEM), "mismatch must be distinct from parse failure")

	_, err = pki.ParseCAMaterial([]byte("junk"), []byte("more junk"))
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestParsePrivateKeyFormats(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	got, err := pki.ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1}))
	require.NoError(t, err)
	assert.True(t, pki.PublicKeysEqual(ecKey.Public(), got.Public()))

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	got, err = pki.ParsePrivateKey(x509.MarshalPKCS1PrivateKey(rsaKey))
	require.NoError(t, err)
	assert.True(t, pki.PublicKeysEqual(rsaKey.Public(), got.Public()))

	_, err = pki.ParsePrivateKey([]byte("nope"))
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestPKCS12RoundTrip(t *testing.T) {
	ca, caDER, _ := newTestCA(t)
	engine := pki.NewEngine(nil)

	keyPEM, csrDER, err := engine.GenerateKeyPairAndCSR("alice")
	require.NoError(t, err)
	certDER, err := engine.SignCSR(ca, csrDER)
	require.NoError(t, err)

	for _, password := range []string{"secret", ""} {
		t.Run("password="+password, func(t *testing.T) {
			bundle, err := pki.BuildPKCS12(certDER, keyPEM, caDER, password)
			require.NoError(t, err)

			gotCert, gotKey, gotCAs, err := pki.DecodePKCS12(bundle, password)
			require.NoError(t, err)
			assert.Equal(t, certDER, gotCert)
			assert.Equal(t, keyPEM, gotKey)
			require.Len(t, gotCAs, 1)
			assert.Equal(t, caDER, gotCAs[0])
		})
	}

	t.Run("wrong password", func(t *testing.T) {
		bundle, err := pki.BuildPKCS12(certDER, keyPEM, caDER, "secret")
		require.NoError(t, err)
		_, _, _, err = pki.DecodePKCS12(bundle, "wrong")
		assert.ErrorIs(t, err, certerr.ErrInvalid)
	})

	t.Run("key from another request", func(t *testing.T) {
		otherKey, _, err := engine.GenerateKeyPairAndCSR("bob")
		require.NoError(t, err)
		_, err = pki.BuildPKCS12(certDER, otherKey, caDER, "secret")
		assert.ErrorIs(t, err, pki.ErrKeyMismatch)
	})
}

func TestDescribe(t *testing.T) {
	ca, caDER, _ := newTestCA(t)

	info, err := pki.Describe(caDER)
	require.NoError(t, err)
	assert.Equal(t, "CN=Test Root CA", info.Subject)
	assert.Equal(t, info.Subject, info.Issuer)
	assert.Equal(t, "ECDSA P-521", info.KeyAlgorithm)
	assert.Equal(t, pki.StatusActive, info.Status)
	assert.True(t, info.IsCA)
	assert.Len(t, info.FingerprintSHA256, 64)
	assert.Equal(t, pki.Fingerprint(ca.Certificate.Raw), info.Fingerprint)

	_, err = pki.Describe([]byte("junk"))
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestSelfSignedTLSCertificate(t *testing.T) {
	cert, err := pki.SelfSignedTLSCertificate("pkidesk.local", "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	leaf, err := pki.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"pkidesk.local"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", leaf.IPAddresses[0].String())
	assert.NoError(t, leaf.VerifyHostname("pkidesk.local"))
}
