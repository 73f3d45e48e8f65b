package message

import (
	"bytes"
	"crypto/dsa"
	"crypto/rand"
	"crypto/sha1"
	"encoding/asn1"
	"errors"
	"math/big"

	"github.com/dep2p/stordht/keyspace"
)

// SHA1Signature 是由两个160位整数组成的签名
type SHA1Signature struct {
	Number1 keyspace.Number160
	Number2 keyspace.Number160
}

// PublicKey 是DER编码的公钥字节
// 协议只关心编码字节的相等性与哈希,解析由签名能力负责
type PublicKey []byte

// Equal 比较两个公钥的编码字节
func (pk PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(pk, other)
}

// Hash 返回编码字节的 SHA-1 哈希
// 域保护和条目保护用它与域键或内容键比对
func (pk PublicKey) Hash() keyspace.Number160 {
	return keyspace.HashOf(pk)
}

// PrivateKey 是签名能力持有的不透明私钥
type PrivateKey interface{}

// KeyPair 将公钥编码与私钥捆绑
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// SignatureFactory 抽象签名原语
// 签名覆盖且仅覆盖负载字节
type SignatureFactory interface {
	// Sign 对负载签名
	Sign(priv PrivateKey, payload []byte) (*SHA1Signature, error)
	// Verify 校验负载签名
	Verify(pub PublicKey, payload []byte, sig *SHA1Signature) (bool, error)
}

// dsa 1024/160 域参数,所有默认密钥对共享
// 取自 RFC 6979 附录 A.2.1
var defaultParameters = func() dsa.Parameters {
	p, _ := new(big.Int).SetString(
		"86F5CA03DCFEB225063FF830A0C769B9DD9D6153AD91D7CE27F787C43278B447"+
			"E6533B86B18BED6E8A48B784A14C252C5BE0DBF60B86D6385BD2F12FB763ED88"+
			"73ABFD3F5BA2E0A8C0A59082EAC056935E529DAF7C610467899C77ADEDFC846C"+
			"881870B7B19B2B58F9BE0521A17002E3BDD6B86685EE90B3D9A1B02B782B1779", 16)
	q, _ := new(big.Int).SetString("996F967F6C8E388D9E28D01E205FBA957A5698B1", 16)
	g, _ := new(big.Int).SetString(
		"07B0F92546150B62514BB771E2A0C0CE387F03BDA6C56B505209FF25FD3C133D"+
			"89BBCD97E904E09114D9A7DEFDEADFC9078EA544D2E401AEECC40BB9FBBF78FD"+
			"87995A10A1C27CB7789B594BA7EFB5C4326A9FE59A070E136DB77175464ADCA4"+
			"17BE5DCE2F40D10A46A3A3943F26AB7FD9C0398FF8C76EE0A56826A8A88F1DBD", 16)
	return dsa.Parameters{P: p, Q: q, G: g}
}()

// dsaPublicKeyDER 是公钥的DER结构
type dsaPublicKeyDER struct {
	P, Q, G, Y *big.Int
}

// DSAFactory 是基于 SHA1-DSA 的默认签名能力
// 签名的 r 和 s 各为160位,正好各占一个标识符宽度
type DSAFactory struct{}

var _ SignatureFactory = DSAFactory{}

// GenerateKeyPair 生成一个使用共享域参数的密钥对
// 返回值:
//   - *KeyPair 密钥对
//   - error 错误信息
func GenerateKeyPair() (*KeyPair, error) {
	priv := &dsa.PrivateKey{}
	priv.Parameters = defaultParameters
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		return nil, err
	}
	pub, err := encodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

func encodePublicKey(pub *dsa.PublicKey) (PublicKey, error) {
	der, err := asn1.Marshal(dsaPublicKeyDER{P: pub.P, Q: pub.Q, G: pub.G, Y: pub.Y})
	if err != nil {
		return nil, err
	}
	return PublicKey(der), nil
}

func decodePublicKey(pk PublicKey) (*dsa.PublicKey, error) {
	var der dsaPublicKeyDER
	rest, err := asn1.Unmarshal(pk, &der)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.New("公钥编码有多余字节")
	}
	return &dsa.PublicKey{
		Parameters: dsa.Parameters{P: der.P, Q: der.Q, G: der.G},
		Y:          der.Y,
	}, nil
}

// Sign 对负载的 SHA-1 摘要做DSA签名
// 参数:
//   - priv: PrivateKey 私钥
//   - payload: []byte 负载
//
// 返回值:
//   - *SHA1Signature 签名
//   - error 错误信息
func (DSAFactory) Sign(priv PrivateKey, payload []byte) (*SHA1Signature, error) {
	key, ok := priv.(*dsa.PrivateKey)
	if !ok {
		return nil, errors.New("私钥类型不受支持")
	}
	digest := sha1.Sum(payload)
	r, s, err := dsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, err
	}
	var sig SHA1Signature
	r.FillBytes(sig.Number1[:])
	s.FillBytes(sig.Number2[:])
	return &sig, nil
}

// Verify 校验负载的DSA签名
// 参数:
//   - pub: PublicKey DER编码公钥
//   - payload: []byte 负载
//   - sig: *SHA1Signature 签名
//
// 返回值:
//   - bool 签名是否有效
//   - error 错误信息
func (DSAFactory) Verify(pub PublicKey, payload []byte, sig *SHA1Signature) (bool, error) {
	if sig == nil {
		return false, errors.New("缺少签名")
	}
	if pub == nil {
		return false, errors.New("缺少公钥")
	}
	key, err := decodePublicKey(pub)
	if err != nil {
		return false, err
	}
	digest := sha1.Sum(payload)
	r := new(big.Int).SetBytes(sig.Number1[:])
	s := new(big.Int).SetBytes(sig.Number2[:])
	return dsa.Verify(key, digest[:], r, s), nil
}
