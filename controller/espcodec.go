package controller

import (
	"crypto/hmac"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ike"
	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/transport"
)

// buildESPCodec derives the cipher.BlockMode/hash.Hash pairs a
// transport carrier needs from a negotiated Phase-2 SA and hands them
// across transport.NewESPCodec — the one seam that keeps ikecrypto out
// of the transport package while still letting user-space carriers do
// ESP crypto (§4.5).
func buildESPCodec(sa *ike.Phase2SA) (*transport.ESPCodec, error) {
	blockSize, err := sa.EncAlg.BlockSize()
	if err != nil {
		return nil, ccerr.CryptoErr("esp_blocksize_failed", "determine ESP cipher block size", err)
	}
	ivLen := blockSize

	hashCtor, err := sa.HashAlg.New()
	if err != nil {
		return nil, ccerr.CryptoErr("esp_hash_failed", "determine ESP MAC constructor", err)
	}
	icvLen := hashCtor().Size()

	zeroIVOut := make([]byte, ivLen)
	zeroIVIn := make([]byte, ivLen)
	encOut, err := ikecrypto.NewCBCEncrypter(sa.EncAlg, sa.Out.EncKey, zeroIVOut)
	if err != nil {
		return nil, ccerr.CryptoErr("esp_enc_out_failed", "build outbound ESP cipher", err)
	}
	encIn, err := ikecrypto.NewCBCDecrypter(sa.EncAlg, sa.In.EncKey, zeroIVIn)
	if err != nil {
		return nil, ccerr.CryptoErr("esp_enc_in_failed", "build inbound ESP cipher", err)
	}

	macOut := hmac.New(hashCtor, sa.Out.AuthKey)
	macIn := hmac.New(hashCtor, sa.In.AuthKey)

	return transport.NewESPCodec(sa.Out.SPI, sa.In.SPI, encOut, encIn, macOut, macIn, ivLen, icvLen), nil
}
