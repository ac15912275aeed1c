package ethereum

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const policyVaultFactoryABI = `[
  {"type":"function","name":"createPolicyVault","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"},{"name":"maxPerTx","type":"uint256"},{"name":"dailyLimit","type":"uint256"},{"name":"trustedExecutor","type":"address"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getUserVaults","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"address[]"}]},
  {"type":"event","name":"PolicyVaultCreated","anonymous":false,
   "inputs":[{"name":"owner","type":"address","indexed":true},{"name":"vault","type":"address","indexed":false},{"name":"token","type":"address","indexed":false},{"name":"maxPerTx","type":"uint256","indexed":false},{"name":"dailyLimit","type":"uint256","indexed":false}]}
]`

const policyVaultABI = `[
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"token","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"trustedExecutor","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"maxPerTx","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"dailyLimit","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"spentToday","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"lastReset","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"setRules","stateMutability":"nonpayable","inputs":[{"name":"_maxPerTx","type":"uint256"},{"name":"_dailyLimit","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"setTrustedExecutor","stateMutability":"nonpayable","inputs":[{"name":"_executor","type":"address"}],"outputs":[]},
  {"type":"function","name":"executePayment","stateMutability":"nonpayable","inputs":[{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"PaymentExecuted","anonymous":false,
   "inputs":[{"name":"merchant","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const merchantRegistryABI = `[
  {"type":"function","name":"registerMerchant","stateMutability":"nonpayable","inputs":[{"name":"payoutAddress","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"updatePayoutAddress","stateMutability":"nonpayable","inputs":[{"name":"merchantId","type":"uint256"},{"name":"newPayout","type":"address"}],"outputs":[]},
  {"type":"function","name":"setActive","stateMutability":"nonpayable","inputs":[{"name":"merchantId","type":"uint256"},{"name":"active","type":"bool"}],"outputs":[]},
  {"type":"function","name":"merchants","stateMutability":"view","inputs":[{"name":"merchantId","type":"uint256"}],
   "outputs":[{"name":"admin","type":"address"},{"name":"payoutAddress","type":"address"},{"name":"active","type":"bool"}]},
  {"type":"function","name":"merchantIdByAdmin","stateMutability":"view","inputs":[{"name":"admin","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"MerchantRegistered","anonymous":false,
   "inputs":[{"name":"merchantId","type":"uint256","indexed":true},{"name":"admin","type":"address","indexed":true},{"name":"payoutAddress","type":"address","indexed":false}]}
]`

const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	factoryABI  = mustParseABI(policyVaultFactoryABI)
	vaultABI    = mustParseABI(policyVaultABI)
	registryABI = mustParseABI(merchantRegistryABI)
	tokenABI    = mustParseABI(erc20ABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("invalid embedded ABI: " + err.Error())
	}
	return parsed
}
